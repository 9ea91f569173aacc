package model

import "time"

// MessageType identifies the kind of DeviceMessage.
type MessageType string

const (
	MessageSensorReading  MessageType = "SENSOR_READING"
	MessageConfigUpdate   MessageType = "CONFIG_UPDATE"
	MessageUpdatePrepare  MessageType = "UPDATE_PREPARE"
	MessageUpdateChunk    MessageType = "UPDATE_CHUNK"
	MessageUpdateFinalize MessageType = "UPDATE_FINALIZE"
	MessageUpdateRollback MessageType = "UPDATE_ROLLBACK"
	MessageDeviceStatus   MessageType = "DEVICE_STATUS"
	MessageCommand        MessageType = "COMMAND"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageSensorReading, MessageConfigUpdate, MessageUpdatePrepare, MessageUpdateChunk,
		MessageUpdateFinalize, MessageUpdateRollback, MessageDeviceStatus, MessageCommand:
		return true
	}
	return false
}

// Priority is the delivery priority of a DeviceMessage.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// DefaultMessageTTL applies when a message does not carry its own TTL.
const DefaultMessageTTL = time.Hour

// DeviceMessage is one unit of communication with a device.
type DeviceMessage struct {
	MessageID   string         `json:"messageId"`
	DeviceID    string         `json:"deviceId"`
	MessageType MessageType    `json:"messageType"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority"`
	Timestamp   time.Time      `json:"timestamp"`
	// TTL is how long after Timestamp delivery is still useful.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant after which the message is no longer worth delivering.
func (m *DeviceMessage) ExpiresAt() time.Time {
	return m.Timestamp.Add(m.TTL)
}

// SendResult is the outcome of a router send.
type SendResult struct {
	Success         bool   `json:"success"`
	PendingDelivery bool   `json:"pendingDelivery"`
	MessageID       string `json:"messageId,omitempty"`
	Transport       string `json:"transport,omitempty"`
	Error           string `json:"error,omitempty"`
}
