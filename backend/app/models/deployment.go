package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentConnected DeploymentStatus = "connected"
	DeploymentExecuting DeploymentStatus = "executing"
	DeploymentCompleted DeploymentStatus = "completed"
	DeploymentFailed    DeploymentStatus = "failed"
)

// Terminal reports whether s is final.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// CanTransition enforces pending → connected? → executing → completed|failed.
// Terminal states are only reachable from executing and never left.
func (s DeploymentStatus) CanTransition(to DeploymentStatus) bool {
	switch s {
	case DeploymentPending:
		return to == DeploymentConnected || to == DeploymentExecuting
	case DeploymentConnected:
		return to == DeploymentExecuting
	case DeploymentExecuting:
		return to.Terminal()
	default:
		return false
	}
}

type Deployment struct {
	ID         string           `gorm:"primaryKey;size:36" json:"id"`
	PayloadID  string           `gorm:"size:36;index;not null" json:"payloadId"`
	DeviceID   string           `gorm:"size:36;index;not null" json:"deviceId"`
	UserID     string           `gorm:"size:191;index" json:"userId"`
	Status     DeploymentStatus `gorm:"size:32;index;not null" json:"status"`
	Result     datatypes.JSON   `json:"result,omitempty"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeploymentPending
	}
	return nil
}

// Result is the structured outcome stored once a deployment terminates.
type Result struct {
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stage      string    `json:"stage,omitempty"`
}
