package middleware

import (
	"net/http"
	"strings"

	"fleetd/backend/app/dto"
	jwtutil "fleetd/backend/app/jwt"

	"github.com/gin-gonic/gin"
)

const ClaimsKey = "claims"

type Auth struct{ Signer *jwtutil.Signer }

// RequireAuth accepts only requests carrying a valid bearer token.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse("missing bearer token"))
			return
		}
		claims, err := a.Signer.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse("invalid token"))
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// Authenticate validates the token of a websocket handshake, taken from the
// bearer header or the token query parameter.
func (a *Auth) Authenticate(r *http.Request) (*jwtutil.Claims, error) {
	token := BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return a.Signer.Parse(token)
}

func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}
