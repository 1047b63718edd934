package middleware

import (
	jwtutil "fleetd/backend/app/jwt"

	"github.com/gin-gonic/gin"
)

func GetClaims(c *gin.Context) *jwtutil.Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		if claims, ok := v.(*jwtutil.Claims); ok {
			return claims
		}
	}
	return nil
}
