// Package comm routes device messages over the registered transport
// channels, falling back in preference order and queueing what cannot be
// delivered.
package comm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
)

// Router is the Device Communication Router.
type Router struct {
	bus   bus.Bus
	queue core.MessageQueue
	prefs core.PreferenceStore
	clock clock.PassiveClock
	log   log.Logger

	mu       sync.RWMutex
	channels map[string][]core.Channel
	// order is the transport registration order, used after the device's preferences.
	order []string
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the clock used for message timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Router) { r.clock = c }
}

// WithPreferences sets the store consulted for per-device channel order.
func WithPreferences(p core.PreferenceStore) Option {
	return func(r *Router) { r.prefs = p }
}

// NewRouter creates a Router publishing observability events on b and
// persisting undeliverable messages in q.
func NewRouter(b bus.Bus, q core.MessageQueue, opts ...Option) *Router {
	r := &Router{
		bus:      b,
		queue:    q,
		clock:    clock.RealClock{},
		log:      log.WithName("router"),
		channels: make(map[string][]core.Channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterChannel adds ch under its transport type. Channels of the same
// type are tried in registration order.
func (r *Router) RegisterChannel(ch core.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := ch.Transport()
	if _, ok := r.channels[t]; !ok {
		r.order = append(r.order, t)
	}
	r.channels[t] = append(r.channels[t], ch)
	r.log.Info("Channel registered", "transport", t)
}

// Transports lists the registered transport types in registration order.
func (r *Router) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Send delivers msg over the first channel that accepts it. When none does,
// the message is queued and the result reports PendingDelivery. Send never
// returns an error; failures are carried in the result.
func (r *Router) Send(ctx context.Context, msg *model.DeviceMessage) model.SendResult {
	if msg == nil || msg.DeviceID == "" || msg.MessageType == "" {
		return model.SendResult{Error: core.ErrInvalidMessage.Error()}
	}
	r.normalize(msg)

	transport, err := r.Deliver(ctx, msg)
	if err == nil {
		return model.SendResult{Success: true, MessageID: msg.MessageID, Transport: transport}
	}
	return r.enqueue(ctx, msg, err)
}

// Deliver tries every candidate channel of the device once, in order, and
// returns the transport that accepted msg. It never queues.
func (r *Router) Deliver(ctx context.Context, msg *model.DeviceMessage) (string, error) {
	candidates := r.candidates(ctx, msg.DeviceID)
	usable := candidates[:0:0]
	for _, ch := range candidates {
		if ch.SupportsPriority(msg.Priority) {
			usable = append(usable, ch)
		}
	}
	if len(usable) == 0 {
		return "", core.ErrNoChannels
	}

	var errs []error
	for _, ch := range usable {
		if err := ch.SendMessage(ctx, msg); err != nil {
			metrics.MessagesSentTotal.WithLabelValues(ch.Transport(), "failure").Inc()
			r.log.Warn("Channel failed to send message", "transport", ch.Transport(),
				"deviceID", msg.DeviceID, "messageID", msg.MessageID, "error", err)
			r.emit(ctx, bus.TopicChannelError, msg.DeviceID, model.MessageEvent{
				MessageID:   msg.MessageID,
				DeviceID:    msg.DeviceID,
				MessageType: msg.MessageType,
				Transport:   ch.Transport(),
				Error:       err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", ch.Transport(), err))
			continue
		}

		metrics.MessagesSentTotal.WithLabelValues(ch.Transport(), "success").Inc()
		r.emit(ctx, bus.TopicMessageSent, msg.DeviceID, model.MessageEvent{
			MessageID:   msg.MessageID,
			DeviceID:    msg.DeviceID,
			MessageType: msg.MessageType,
			Transport:   ch.Transport(),
		})
		return ch.Transport(), nil
	}
	return "", fmt.Errorf("%w: %w", core.ErrAllChannelsFailed, errors.Join(errs...))
}

// Connect tries each candidate channel until one connects and reports
// whether any did.
func (r *Router) Connect(ctx context.Context, deviceID string) bool {
	for _, ch := range r.candidates(ctx, deviceID) {
		if err := ch.Connect(ctx, deviceID); err != nil {
			r.log.Warn("Channel failed to connect", "transport", ch.Transport(), "deviceID", deviceID, "error", err)
			r.emit(ctx, bus.TopicConnectionError, deviceID, model.MessageEvent{
				DeviceID:  deviceID,
				Transport: ch.Transport(),
				Error:     err.Error(),
			})
			continue
		}
		r.emit(ctx, bus.TopicDeviceConnected, deviceID, model.MessageEvent{DeviceID: deviceID, Transport: ch.Transport()})
		return true
	}
	return false
}

// ConnectionState returns the most connected state any channel reports for
// the device.
func (r *Router) ConnectionState(deviceID string) model.ConnectionState {
	best := model.ConnectionDisconnected
	for _, ch := range r.all() {
		if s := ch.ConnectionState(deviceID); s.MoreConnected(best) {
			best = s
		}
	}
	return best
}

// Subscribe invokes fn for every inbound message of the device whose type is
// in types. An empty types matches all messages.
func (r *Router) Subscribe(deviceID string, types []model.MessageType, fn func(ctx context.Context, msg *model.DeviceMessage)) bus.Subscription {
	return r.bus.Subscribe(bus.TopicDeviceMessage, func(ctx context.Context, e bus.Event) {
		msg, ok := e.Payload.(*model.DeviceMessage)
		if !ok || msg.DeviceID != deviceID {
			return
		}
		if len(types) > 0 && !slices.Contains(types, msg.MessageType) {
			return
		}
		fn(ctx, msg)
	})
}

// Listen asks every channel to forward traffic of the device onto the bus.
func (r *Router) Listen(ctx context.Context, deviceID string) error {
	var errs []error
	for _, ch := range r.all() {
		if err := ch.StartListening(ctx, deviceID, r.Ingest); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Transport(), err))
		}
	}
	return errors.Join(errs...)
}

// Ingest publishes an inbound device message on the bus.
func (r *Router) Ingest(ctx context.Context, msg *model.DeviceMessage) {
	if msg == nil || msg.DeviceID == "" || msg.MessageType == "" {
		r.log.Debug("Dropping malformed inbound message")
		return
	}
	r.normalize(msg)
	r.emit(ctx, bus.TopicDeviceMessage, msg.DeviceID, msg)
}

func (r *Router) normalize(msg *model.DeviceMessage) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.clock.Now()
	}
	if msg.TTL <= 0 {
		msg.TTL = model.DefaultMessageTTL
	}
	if msg.Priority == "" {
		msg.Priority = model.PriorityMedium
	}
}

func (r *Router) enqueue(ctx context.Context, msg *model.DeviceMessage, cause error) model.SendResult {
	queued := &model.QueuedMessage{
		DeviceMessage: *msg,
		Status:        model.QueueStatusQueued,
		Error:         cause.Error(),
	}
	if err := r.queue.Enqueue(ctx, queued); err != nil {
		r.log.Error(err, "Failed to queue message", "deviceID", msg.DeviceID, "messageID", msg.MessageID)
		return model.SendResult{
			MessageID: msg.MessageID,
			Error:     fmt.Sprintf("%s; failed to queue message: %s", cause, err),
		}
	}

	metrics.MessagesQueuedTotal.Inc()
	r.emit(ctx, bus.TopicMessageQueued, msg.DeviceID, model.MessageEvent{
		MessageID:   msg.MessageID,
		DeviceID:    msg.DeviceID,
		MessageType: msg.MessageType,
		Error:       cause.Error(),
	})
	return model.SendResult{PendingDelivery: true, MessageID: msg.MessageID, Error: cause.Error()}
}

// candidates returns the channels to try for the device: its preferred
// transports first, then every other registered transport.
func (r *Router) candidates(ctx context.Context, deviceID string) []core.Channel {
	var preferred []string
	if r.prefs != nil {
		pref, err := r.prefs.Preference(ctx, deviceID)
		switch {
		case err == nil:
			preferred = pref.PreferredChannels
		case !errors.Is(err, core.ErrNotFound):
			r.log.Warn("Failed to load communication preference", "deviceID", deviceID, "error", err)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Channel
	seen := make(map[string]bool, len(r.order))
	for _, t := range append(slices.Clone(preferred), r.order...) {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, r.channels[t]...)
	}
	return out
}

func (r *Router) all() []core.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Channel
	for _, t := range r.order {
		out = append(out, r.channels[t]...)
	}
	return out
}

func (r *Router) emit(ctx context.Context, topic bus.Topic, deviceID string, payload any) {
	err := r.bus.Publish(ctx, bus.Event{Topic: topic, DeviceID: deviceID, Payload: payload})
	if err != nil {
		r.log.Debug("Failed to publish event", "topic", topic, "error", err)
	}
}
