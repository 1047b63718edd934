package controllers

import (
	"net/http"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/middleware"
	"fleetd/backend/app/services"

	"github.com/gin-gonic/gin"
)

type DeploymentController struct{ Deployments *services.DeploymentService }

func NewDeploymentController(d *services.DeploymentService) *DeploymentController {
	return &DeploymentController{Deployments: d}
}

// Create starts a deployment for the calling user. The response carries the
// deployment in its executing state; the outcome arrives over the socket.
func (h *DeploymentController) Create(c *gin.Context) {
	var req dto.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	userID := ""
	if claims := middleware.GetClaims(c); claims != nil {
		userID = claims.UserID
	}
	dep, err := h.Deployments.Deploy(c.Request.Context(), services.Request{
		PayloadID: req.PayloadID,
		DeviceID:  req.DeviceID,
		UserID:    userID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SuccessResponse(dep))
}

func (h *DeploymentController) Get(c *gin.Context) {
	dep, err := h.Deployments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(dep))
}

func (h *DeploymentController) ReportResult(c *gin.Context) {
	var req dto.ResultReport
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	dep, err := h.Deployments.ReportResult(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(dep))
}
