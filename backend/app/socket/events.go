package socket

import "encoding/json"

const (
	EventDeviceStatusChanged     = "device_status_changed"
	EventDeploymentStatusChanged = "deployment_status_changed"
	EventPayloadExecuting        = "payload_executing"

	EventAuthenticated = "authenticated"
	EventUnauthorized  = "unauthorized"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventError         = "error"

	ControlSubscribe   = "subscribe:device"
	ControlUnsubscribe = "unsubscribe:device"
)

func DeviceStatusEvent(deviceID string) string   { return "device:" + deviceID + ":status" }
func DeviceErrorEvent(deviceID string) string    { return "device:" + deviceID + ":error" }
func DeviceActivityEvent(deviceID string) string { return "device:" + deviceID + ":activity" }

// Frame is the JSON shape of every message on the websocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outgoing frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type deviceRef struct {
	DeviceID string `json:"deviceId"`
}
