package controllers

import (
	"net/http"

	"fleetd/backend/app/deviceclient"
	"fleetd/backend/app/dto"
	"fleetd/backend/app/reconcile"
	"fleetd/backend/app/services"

	"github.com/gin-gonic/gin"
)

type DeviceController struct {
	Devices     *services.DeviceService
	Deployments *services.DeploymentService
	Reconciler  *reconcile.Reconciler
}

func NewDeviceController(devices *services.DeviceService, deployments *services.DeploymentService, rec *reconcile.Reconciler) *DeviceController {
	return &DeviceController{Devices: devices, Deployments: deployments, Reconciler: rec}
}

// Register stores the device and schedules its first status check.
func (h *DeviceController) Register(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	d, err := h.Devices.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.Reconciler.CheckAsync(d.ID)
	c.JSON(http.StatusCreated, dto.SuccessResponse(d))
}

func (h *DeviceController) List(c *gin.Context) {
	list, err := h.Devices.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(list))
}

func (h *DeviceController) Get(c *gin.Context) {
	d, err := h.Devices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(d))
}

func (h *DeviceController) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.Devices.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.Reconciler.Forget(id)
	c.JSON(http.StatusOK, dto.MessageResponse("device deleted"))
}

// Check reconciles the device now and returns the stored result.
func (h *DeviceController) Check(c *gin.Context) {
	id := c.Param("id")
	if err := h.Reconciler.CheckNow(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	d, err := h.Devices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(d))
}

// Report accepts a status pushed by a device, typically a local-serial
// device relayed by its operator.
func (h *DeviceController) Report(c *gin.Context) {
	var req dto.StatusReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	id := c.Param("id")
	err := h.Reconciler.Report(c.Request.Context(), id, deviceclient.StatusReport{
		Status:         req.Status,
		BatteryLevel:   req.BatteryLevel,
		SignalStrength: req.SignalStrength,
		Errors:         req.Errors,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	d, err := h.Devices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(d))
}

func (h *DeviceController) ListDeployments(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Devices.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	list, err := h.Deployments.ListByDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse(list))
}
