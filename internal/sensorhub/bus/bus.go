// Package bus is the typed publish/subscribe port shared by the hub's
// components. Topics are closed constants; payloads are model types.
package bus

import (
	"context"
	"errors"
	"time"
)

// Topic names a bus event stream.
type Topic string

const (
	// AllTopics subscribes to every published event.
	AllTopics Topic = "*"

	// Inbound device traffic. Payload: *model.DeviceMessage.
	TopicDeviceMessage Topic = "device.message"

	// Device metadata lookup. Payloads: model.DeviceInfoRequest / *model.DeviceProfile.
	TopicDeviceInfoRequested Topic = "device.info.requested"
	TopicDeviceInfoResponse  Topic = "device.info.response"

	// Post-update health check. Payloads: model.HealthCheckRequest / model.HealthCheckResult.
	TopicHealthCheckRequested Topic = "device.health.check.requested"
	TopicHealthCheckCompleted Topic = "device.health.check.completed"

	// Update lifecycle. Payload: model.UpdateEvent.
	TopicUpdateInitiated          Topic = "update.initiated"
	TopicUpdateProgress           Topic = "update.progress"
	TopicUpdateCompleted          Topic = "update.completed"
	TopicUpdateFailed             Topic = "update.failed"
	TopicUpdateError              Topic = "update.error"
	TopicUpdateVerificationFailed Topic = "update.verification.failed"
	TopicUpdateRolledBack         Topic = "update.rolledback"
	TopicUpdateStatusChanged      Topic = "update.status.changed"

	// Router observability. Payload: model.MessageEvent.
	TopicMessageSent     Topic = "message.sent"
	TopicMessageQueued   Topic = "message.queued"
	TopicMessageExpired  Topic = "message.expired"
	TopicChannelError    Topic = "channel.error"
	TopicDeviceConnected Topic = "device.connected"
	TopicConnectionError Topic = "connection.error"
)

var (
	// ErrEmptyTopic is returned when publishing an event without a topic.
	ErrEmptyTopic = errors.New("empty topic")

	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrTimeout is returned when a request receives no correlated response in time.
	ErrTimeout = errors.New("request timed out")
)

// Event is one message on the bus.
type Event struct {
	Topic Topic `json:"topic"`
	// DeviceID is the device the event concerns, when there is one.
	DeviceID string `json:"deviceId,omitempty"`
	// CorrelationID ties a response to its request.
	CorrelationID string    `json:"correlationId,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Handler consumes events. Handlers of one subscription are invoked
// sequentially in publish order.
type Handler func(ctx context.Context, e Event)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Bus is the publish/subscribe port.
type Bus interface {
	// Publish hands e to every subscriber of e.Topic without waiting for them.
	Publish(ctx context.Context, e Event) error

	// Subscribe registers h for topic.
	Subscribe(topic Topic, h Handler) Subscription
}
