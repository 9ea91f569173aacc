package model

import (
	"fmt"
	"time"
)

// GenericDeviceType is the type assumed when device metadata is unavailable.
const GenericDeviceType = "GENERIC"

// DefaultFirmwareVersion is the version assumed when device metadata is unavailable.
const DefaultFirmwareVersion = "1.0.0"

// DeviceProfile is the metadata used to check update compatibility.
type DeviceProfile struct {
	ID              string `json:"id" mapstructure:"id"`
	Type            string `json:"type" mapstructure:"type"`
	FirmwareVersion string `json:"firmwareVersion" mapstructure:"firmware-version"`
}

// FallbackProfile returns the profile used when metadata cannot be resolved.
func FallbackProfile(deviceID string) *DeviceProfile {
	return &DeviceProfile{ID: deviceID, Type: GenericDeviceType, FirmwareVersion: DefaultFirmwareVersion}
}

// Fallback reports whether p is a substituted generic profile.
func (p *DeviceProfile) Fallback() bool {
	return p.Type == GenericDeviceType
}

// CommunicationPreference describes how the hub should reach one device.
type CommunicationPreference struct {
	DeviceID          string        `json:"deviceId" mapstructure:"device-id"`
	PreferredChannels []string      `json:"preferredChannels" mapstructure:"preferred-channels"`
	ConnectionTimeout time.Duration `json:"connectionTimeout" mapstructure:"connection-timeout"`
	MaxRetries        int           `json:"maxRetries" mapstructure:"max-retries"`
	RetryInterval     time.Duration `json:"retryInterval" mapstructure:"retry-interval"`
}

// DefaultPreference returns the preference applied to devices without one.
func DefaultPreference(deviceID string) *CommunicationPreference {
	return &CommunicationPreference{
		DeviceID:          deviceID,
		ConnectionTimeout: 30 * time.Second,
		MaxRetries:        5,
		RetryInterval:     60 * time.Second,
	}
}

// DeviceStatus is the status carried by a DEVICE_STATUS report.
type DeviceStatus string

const (
	DeviceReady              DeviceStatus = "READY"
	DeviceChunkReceived      DeviceStatus = "CHUNK_RECEIVED"
	DeviceValidationComplete DeviceStatus = "VALIDATION_COMPLETE"
	DeviceUpdateApplied      DeviceStatus = "UPDATE_APPLIED"
	DeviceRestartComplete    DeviceStatus = "RESTART_COMPLETE"
	DeviceVerificationPassed DeviceStatus = "VERIFICATION_PASSED"
	DeviceUpdateFailed       DeviceStatus = "UPDATE_FAILED"
	DeviceRollbackComplete   DeviceStatus = "ROLLBACK_COMPLETE"
)

// StatusReport is the decoded payload of a DEVICE_STATUS message.
type StatusReport struct {
	DeviceID string       `json:"deviceId"`
	Status   DeviceStatus `json:"status"`
	ChunkID  int          `json:"chunkId"`
	Progress float64      `json:"progress,omitempty"`
	Error    string       `json:"error,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// ParseStatusReport decodes a DEVICE_STATUS message.
func ParseStatusReport(msg *DeviceMessage) (*StatusReport, error) {
	if msg.MessageType != MessageDeviceStatus {
		return nil, fmt.Errorf("message %s is %s, not %s", msg.MessageID, msg.MessageType, MessageDeviceStatus)
	}

	status, _ := msg.Payload["status"].(string)
	if status == "" {
		return nil, fmt.Errorf("status report from %s has no status", msg.DeviceID)
	}

	report := &StatusReport{DeviceID: msg.DeviceID, Status: DeviceStatus(status)}
	report.Error, _ = msg.Payload["error"].(string)
	report.Message, _ = msg.Payload["message"].(string)
	if p, ok := number(msg.Payload["progress"]); ok {
		report.Progress = p
	}

	if report.Status == DeviceChunkReceived {
		id, ok := number(msg.Payload["chunkId"])
		if !ok || id < 0 {
			return nil, fmt.Errorf("chunk acknowledgement from %s has no chunkId", msg.DeviceID)
		}
		report.ChunkID = int(id)
	}

	return report, nil
}

// number accepts the numeric types produced by the JSON and CBOR decoders.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
