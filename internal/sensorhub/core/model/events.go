package model

import "time"

// UpdateEvent is the payload of every update.* bus topic.
type UpdateEvent struct {
	SessionID          string        `json:"sessionId"`
	DeviceID           string        `json:"deviceId"`
	Type               UpdateType    `json:"type"`
	Status             SessionStatus `json:"status"`
	PreviousStatus     SessionStatus `json:"previousStatus,omitempty"`
	Version            string        `json:"version,omitempty"`
	Progress           float64       `json:"progress,omitempty"`
	ChunkID            int           `json:"chunkId,omitempty"`
	Error              string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration,omitempty"`
	NewFirmwareVersion string        `json:"newFirmwareVersion,omitempty"`
}

// MessageEvent is the payload of the router's observability topics.
type MessageEvent struct {
	MessageID   string      `json:"messageId,omitempty"`
	DeviceID    string      `json:"deviceId"`
	MessageType MessageType `json:"messageType,omitempty"`
	Transport   string      `json:"transport,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// DeviceInfoRequest asks the device metadata collaborator for a profile.
type DeviceInfoRequest struct {
	DeviceID string `json:"deviceId"`
}

// HealthCheckRequest asks the health collaborator to judge a device after an update.
type HealthCheckRequest struct {
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
}

// HealthCheckResult is the answer to a HealthCheckRequest.
type HealthCheckResult struct {
	DeviceID string `json:"deviceId"`
	Healthy  bool   `json:"healthy"`
	Reason   string `json:"reason,omitempty"`
}
