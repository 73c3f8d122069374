package websocket

import (
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Device-related messages
	MessageTypeDeviceStatus  MessageType = "device_status"
	MessageTypeDeviceRemoved MessageType = "device_removed"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"

	// Client control messages
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DeviceStatusData is one status report of a simulated update.
type DeviceStatusData struct {
	Tenant     string   `json:"tenant"`
	DeviceID   string   `json:"device_id"`
	Protocol   string   `json:"protocol"`
	ActionID   uint64   `json:"action_id"`
	ActionType string   `json:"action_type"`
	Status     string   `json:"status"`
	Messages   []string `json:"messages,omitempty"`
}

type DeviceLifecycleData struct {
	Tenant   string `json:"tenant"`
	DeviceID string `json:"device_id"`
	Protocol string `json:"protocol,omitempty"`
}

// SubscriptionData echoes the filter a client is subscribed with.
type SubscriptionData struct {
	Tenant   string `json:"tenant,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewDeviceStatusMessage(event updater.StatusEvent) Message {
	data := DeviceStatusData{
		Tenant:     event.Tenant,
		DeviceID:   event.DeviceID,
		Protocol:   string(event.Protocol),
		ActionID:   event.ActionID,
		ActionType: string(event.ActionType),
	}
	if event.Status != nil {
		data.Status = event.Status.ResponseStatus.String()
		data.Messages = event.Status.Messages
	}
	msg := NewMessage(MessageTypeDeviceStatus, data)
	if !event.Timestamp.IsZero() {
		msg.Timestamp = event.Timestamp
	}
	return msg
}

func NewDeviceLifecycleMessage(msgType MessageType, tenant, deviceID, protocol string) Message {
	return NewMessage(msgType, DeviceLifecycleData{
		Tenant:   tenant,
		DeviceID: deviceID,
		Protocol: protocol,
	})
}
