package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	jwtutil "fleetd/backend/app/jwt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(a *Auth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logging(zerolog.Nop()))
	r.GET("/me", a.RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID)
	})
	return r
}

func TestRequireAuth(t *testing.T) {
	signer := &jwtutil.Signer{Secret: []byte("s"), Issuer: "fleetd", ExpMin: 5}
	r := newEngine(&Auth{Signer: signer})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := signer.Sign("u-9", "ops", "admin")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(RequestIDHeader, "req-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-9", w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}

func TestAuthenticateAcceptsQueryToken(t *testing.T) {
	signer := &jwtutil.Signer{Secret: []byte("s"), Issuer: "fleetd", ExpMin: 5}
	a := &Auth{Signer: signer}
	tok, err := signer.Sign("u-1", "ops", "")
	require.NoError(t, err)

	claims, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Error(t, err)
}
