package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceError   DeviceStatus = "error"
	DeviceBusy    DeviceStatus = "busy"
)

// ConnectivityMode tells how the controller reaches a device.
type ConnectivityMode string

const (
	ModeNetwork     ConnectivityMode = "network"
	ModeLocalSerial ConnectivityMode = "local-serial"
)

// MaxDeviceErrors bounds the error history kept on a device record.
const MaxDeviceErrors = 10

type Device struct {
	ID             string                      `gorm:"primaryKey;size:36" json:"id"`
	Name           string                      `gorm:"size:255" json:"name"`
	Mode           ConnectivityMode            `gorm:"size:32;not null;default:network" json:"mode"`
	Address        string                      `gorm:"size:255" json:"address,omitempty"`
	Status         DeviceStatus                `gorm:"size:32;index;not null;default:offline" json:"status"`
	LastSeen       *time.Time                  `json:"lastSeen,omitempty"`
	BatteryLevel   *int                        `json:"batteryLevel,omitempty"`
	SignalStrength *int                        `json:"signalStrength,omitempty"`
	Errors         datatypes.JSONSlice[string] `json:"errors,omitempty"`
	Version        uint64                      `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time                   `json:"createdAt"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt              `gorm:"index" json:"-"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Mode == "" {
		d.Mode = ModeNetwork
	}
	if d.Status == "" {
		d.Status = DeviceOffline
	}
	return nil
}

// AppendError records msg and trims the history to MaxDeviceErrors entries.
func (d *Device) AppendError(msg string) {
	errs := append(append([]string(nil), d.Errors...), msg)
	if len(errs) > MaxDeviceErrors {
		errs = errs[len(errs)-MaxDeviceErrors:]
	}
	d.Errors = errs
}

// Clone returns a copy that does not share pointer fields with d.
func (d *Device) Clone() *Device {
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	if d.BatteryLevel != nil {
		v := *d.BatteryLevel
		c.BatteryLevel = &v
	}
	if d.SignalStrength != nil {
		v := *d.SignalStrength
		c.SignalStrength = &v
	}
	c.Errors = append(datatypes.JSONSlice[string](nil), d.Errors...)
	return &c
}
