package controllers

import (
	"errors"
	"net/http"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/pool"
	"fleetd/backend/app/services"
	"fleetd/backend/app/socket"

	"github.com/gin-gonic/gin"
)

type HTTPController struct {
	Pool *pool.Pool
	Hub  *socket.Hub
}

func NewHTTPController(p *pool.Pool, hub *socket.Hub) *HTTPController {
	return &HTTPController{Pool: p, Hub: hub}
}

func (h *HTTPController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.SuccessResponse(gin.H{
		"status":      "ok",
		"pool":        h.Pool.Stats(),
		"subscribers": h.Hub.Stats(),
	}))
}

func (h *HTTPController) PoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, dto.SuccessResponse(h.Pool.Stats()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrPrecondition), errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrDeviceUnavailable), errors.Is(err, pool.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse(msg))
}

func bindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse("invalid request: "+err.Error()))
}
