package dto

import "fleetd/backend/app/models"

type CreatePayloadRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Script      string `json:"script" binding:"required"`
}

type DeployRequest struct {
	PayloadID string `json:"payloadId" binding:"required"`
	DeviceID  string `json:"deviceId" binding:"required"`
}

// ResultReport is sent by the operator of a local-serial device once the
// payload has run.
type ResultReport struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

// Activity is the payload of device:<id>:activity and payload_executing.
type Activity struct {
	DeviceID     string                  `json:"deviceId"`
	DeploymentID string                  `json:"deploymentId"`
	PayloadID    string                  `json:"payloadId"`
	PayloadName  string                  `json:"payloadName,omitempty"`
	Mode         models.ConnectivityMode `json:"mode"`
	Status       models.DeploymentStatus `json:"status"`
}
