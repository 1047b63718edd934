package services

import (
	"fleetd/backend/app/dto"
	"fleetd/backend/app/models"
	"fleetd/backend/app/socket"
)

// Emitter delivers one event to the subscribers of a device.
type Emitter interface {
	EmitToSubscribers(deviceID, event string, payload any) int
}

// Notifier turns state changes into fan-out events.
type Notifier struct{ events Emitter }

func NewNotifier(events Emitter) *Notifier { return &Notifier{events: events} }

func (n *Notifier) DeviceStatus(d *models.Device) {
	n.events.EmitToSubscribers(d.ID, socket.DeviceStatusEvent(d.ID), dto.NewDeviceStatus(d))
	n.deviceChanged(d)
}

func (n *Notifier) DeviceError(d *models.Device) {
	n.events.EmitToSubscribers(d.ID, socket.DeviceErrorEvent(d.ID), dto.NewDeviceStatus(d))
	n.deviceChanged(d)
}

func (n *Notifier) DeploymentStatus(dep *models.Deployment) {
	n.events.EmitToSubscribers(dep.DeviceID, socket.EventDeploymentStatusChanged,
		dto.StatusChange{ID: dep.ID, Status: string(dep.Status)})
}

func (n *Notifier) Activity(a dto.Activity) {
	n.events.EmitToSubscribers(a.DeviceID, socket.EventPayloadExecuting, a)
	n.events.EmitToSubscribers(a.DeviceID, socket.DeviceActivityEvent(a.DeviceID), a)
}

func (n *Notifier) deviceChanged(d *models.Device) {
	n.events.EmitToSubscribers(d.ID, socket.EventDeviceStatusChanged,
		dto.StatusChange{ID: d.ID, Status: string(d.Status)})
}
