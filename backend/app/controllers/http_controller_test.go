package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/pool"
	"fleetd/backend/app/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: name", services.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: nope", services.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("device x: %w", services.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: busy", services.ErrPrecondition), http.StatusConflict},
		{fmt.Errorf("done: %w", services.ErrInvalidTransition), http.StatusConflict},
		{services.ErrConflict, http.StatusConflict},
		{fmt.Errorf("x: %w", services.ErrDeviceUnavailable), http.StatusServiceUnavailable},
		{pool.ErrAcquireTimeout, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/internal", func(c *gin.Context) { respondError(c, errors.New("dsn=root:secret")) })
	r.GET("/missing", func(c *gin.Context) { respondError(c, fmt.Errorf("device d1: %w", services.ErrNotFound)) })

	for path, want := range map[string]struct {
		code int
		msg  string
	}{
		"/internal": {http.StatusInternalServerError, "internal error"},
		"/missing":  {http.StatusNotFound, "device d1: not found"},
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, want.code, rec.Code, path)

		var body dto.APIResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, want.msg, body.Error)
	}
}
