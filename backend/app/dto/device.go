package dto

import (
	"time"

	"fleetd/backend/app/models"
)

type RegisterDeviceRequest struct {
	Name    string                  `json:"name" binding:"required"`
	Mode    models.ConnectivityMode `json:"mode" binding:"omitempty,oneof=network local-serial"`
	Address string                  `json:"address"`
}

// DeviceStatus is the payload of device:<id>:status and device:<id>:error.
type DeviceStatus struct {
	DeviceID       string              `json:"deviceId"`
	Status         models.DeviceStatus `json:"status"`
	LastSeen       *time.Time          `json:"lastSeen,omitempty"`
	BatteryLevel   *int                `json:"batteryLevel,omitempty"`
	SignalStrength *int                `json:"signalStrength,omitempty"`
	Errors         []string            `json:"errors,omitempty"`
}

func NewDeviceStatus(d *models.Device) DeviceStatus {
	return DeviceStatus{
		DeviceID:       d.ID,
		Status:         d.Status,
		LastSeen:       d.LastSeen,
		BatteryLevel:   d.BatteryLevel,
		SignalStrength: d.SignalStrength,
		Errors:         d.Errors,
	}
}

// StatusChange is the payload of device_status_changed and
// deployment_status_changed.
type StatusChange struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusReportRequest is pushed by devices the controller cannot poll.
type StatusReportRequest struct {
	Status         string   `json:"status" binding:"omitempty,oneof=online error"`
	BatteryLevel   *int     `json:"batteryLevel"`
	SignalStrength *int     `json:"signalStrength"`
	Errors         []string `json:"errors"`
}
