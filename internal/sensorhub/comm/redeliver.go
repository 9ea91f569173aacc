package comm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// Redeliverer periodically retries queued messages through the router.
// Messages of one device are retried strictly in timestamp order: a device
// whose oldest pending message is not yet due, or fails again, is skipped for
// the rest of the sweep.
type Redeliverer struct {
	router *Router
	queue  core.MessageQueue
	prefs  core.PreferenceStore
	bus    bus.Bus
	clock  clock.PassiveClock
	opts   *options.QueueOptions
	log    log.Logger
}

// NewRedeliverer creates a Redeliverer. prefs may be nil.
func NewRedeliverer(r *Router, q core.MessageQueue, prefs core.PreferenceStore, b bus.Bus, c clock.PassiveClock, opts *options.QueueOptions) *Redeliverer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Redeliverer{
		router: r,
		queue:  q,
		prefs:  prefs,
		bus:    b,
		clock:  c,
		opts:   opts,
		log:    log.WithName("redeliverer"),
	}
}

// Start sweeps the queue every SweepInterval until ctx is done.
func (d *Redeliverer) Start(ctx context.Context) error {
	d.log.Info("Starting queue redelivery", "interval", d.opts.SweepInterval)
	wait.UntilWithContext(ctx, d.Sweep, d.opts.SweepInterval)
	return nil
}

// Sweep runs one redelivery pass over the pending messages.
func (d *Redeliverer) Sweep(ctx context.Context) {
	pending, err := d.queue.Pending(ctx, d.opts.BatchSize)
	if err != nil {
		d.log.Error(err, "Failed to load pending messages")
		return
	}

	blocked := make(map[string]bool)
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}

		now := d.clock.Now()
		if m.Expired(now) {
			d.expire(ctx, m)
			continue
		}
		if blocked[m.DeviceID] {
			continue
		}

		maxRetries, interval := d.limits(ctx, m.DeviceID)
		if now.Before(d.nextAttempt(m, interval)) {
			blocked[m.DeviceID] = true
			continue
		}

		if !d.attempt(ctx, m, now, maxRetries) {
			blocked[m.DeviceID] = true
		}
	}
}

// attempt redelivers m once and reports whether it left the queue.
func (d *Redeliverer) attempt(ctx context.Context, m *model.QueuedMessage, now time.Time, maxRetries int) bool {
	m.Status = model.QueueStatusProcessing
	if err := d.queue.Update(ctx, m); err != nil {
		d.log.Error(err, "Failed to mark message processing", "messageID", m.MessageID)
		return false
	}

	m.LastRetryAt = &now
	_, err := d.router.Deliver(ctx, &m.DeviceMessage)
	switch {
	case err == nil:
		m.Status = model.QueueStatusSent
		m.Error = ""
		metrics.RedeliveriesTotal.WithLabelValues("sent").Inc()
	default:
		m.RetryCount++
		m.Error = err.Error()
		if m.RetryCount >= maxRetries {
			m.Status = model.QueueStatusFailed
			metrics.RedeliveriesTotal.WithLabelValues("failed").Inc()
			d.log.Warn("Giving up on queued message", "messageID", m.MessageID, "deviceID", m.DeviceID, "retries", m.RetryCount)
		} else {
			m.Status = model.QueueStatusQueued
			metrics.RedeliveriesTotal.WithLabelValues("retry").Inc()
		}
	}

	if uerr := d.queue.Update(ctx, m); uerr != nil {
		d.log.Error(uerr, "Failed to update queued message", "messageID", m.MessageID)
	}
	return m.Status != model.QueueStatusQueued
}

func (d *Redeliverer) expire(ctx context.Context, m *model.QueuedMessage) {
	m.Status = model.QueueStatusExpired
	if err := d.queue.Update(ctx, m); err != nil {
		d.log.Error(err, "Failed to expire queued message", "messageID", m.MessageID)
		return
	}
	metrics.RedeliveriesTotal.WithLabelValues("expired").Inc()
	err := d.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicMessageExpired,
		DeviceID: m.DeviceID,
		Payload: model.MessageEvent{
			MessageID:   m.MessageID,
			DeviceID:    m.DeviceID,
			MessageType: m.MessageType,
			Error:       m.Error,
		},
	})
	if err != nil {
		d.log.Debug("Failed to publish expiry", "error", err)
	}
}

// limits returns the retry budget and base interval of a device, taken from
// its communication preference when one exists.
func (d *Redeliverer) limits(ctx context.Context, deviceID string) (int, time.Duration) {
	maxRetries, interval := d.opts.MaxRetries, d.opts.RetryInterval
	if d.prefs == nil {
		return maxRetries, interval
	}

	pref, err := d.prefs.Preference(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			d.log.Warn("Failed to load communication preference", "deviceID", deviceID, "error", err)
		}
		return maxRetries, interval
	}
	if pref.MaxRetries > 0 {
		maxRetries = pref.MaxRetries
	}
	if pref.RetryInterval > 0 {
		interval = pref.RetryInterval
	}
	return maxRetries, interval
}

// nextAttempt is the earliest instant m may be retried.
func (d *Redeliverer) nextAttempt(m *model.QueuedMessage, interval time.Duration) time.Time {
	last := m.Timestamp
	if m.LastRetryAt != nil {
		last = *m.LastRetryAt
	}
	return last.Add(RetryDelay(m.RetryCount, interval, d.opts.MaxInterval))
}

// RetryDelay is the wait before attempt number retries+1: interval doubled per
// earlier retry, capped at ceiling.
func RetryDelay(retries int, interval, ceiling time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retries; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
