package core

import (
	"context"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

// Listener receives messages a channel reads from a device.
type Listener func(ctx context.Context, msg *model.DeviceMessage)

// Channel is the contract every transport implements to reach devices.
// Implementations must be safe for concurrent use.
type Channel interface {
	// Transport names the transport type, e.g. "mqtt" or "ble".
	Transport() string

	// Connect establishes the link to a device.
	Connect(ctx context.Context, deviceID string) error

	// Disconnect tears the link down.
	Disconnect(ctx context.Context, deviceID string) error

	// SendMessage delivers msg. A nil error means the transport accepted it.
	SendMessage(ctx context.Context, msg *model.DeviceMessage) error

	// StartListening registers l for messages arriving from the device.
	StartListening(ctx context.Context, deviceID string, l Listener) error

	// ConnectionState reports this channel's view of the device.
	ConnectionState(deviceID string) model.ConnectionState

	// SupportsPriority reports whether the channel can carry messages of p.
	SupportsPriority(p model.Priority) bool
}
