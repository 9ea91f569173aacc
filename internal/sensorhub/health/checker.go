// Package health judges device health after an update from the
// connection state the router reports.
package health

import (
	"context"
	"fmt"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
)

// StateReader reports the aggregated connection state of a device.
type StateReader interface {
	ConnectionState(deviceID string) model.ConnectionState
}

// Checker answers device.health.check.requested events.
type Checker struct {
	bus    bus.Bus
	states StateReader
	sub    bus.Subscription
	log    log.Logger
}

// NewChecker creates a Checker and subscribes it to health check requests.
func NewChecker(b bus.Bus, states StateReader) *Checker {
	c := &Checker{bus: b, states: states, log: log.WithName("health")}
	c.sub = b.Subscribe(bus.TopicHealthCheckRequested, c.onRequest)
	return c
}

// Start blocks until ctx is done, then detaches from the bus.
func (c *Checker) Start(ctx context.Context) error {
	<-ctx.Done()
	c.sub.Unsubscribe()
	return nil
}

// Check reports a device healthy when at least one channel holds a live connection.
func (c *Checker) Check(deviceID string) model.HealthCheckResult {
	state := c.states.ConnectionState(deviceID)
	if state == model.ConnectionConnected {
		return model.HealthCheckResult{DeviceID: deviceID, Healthy: true}
	}
	return model.HealthCheckResult{
		DeviceID: deviceID,
		Reason:   fmt.Sprintf("device connection is %s", state),
	}
}

func (c *Checker) onRequest(ctx context.Context, e bus.Event) {
	req, ok := e.Payload.(model.HealthCheckRequest)
	if !ok {
		req.DeviceID = e.DeviceID
	}

	result := c.Check(req.DeviceID)
	c.log.Debug("Health check", "deviceID", req.DeviceID, "sessionID", req.SessionID, "healthy", result.Healthy)

	err := c.bus.Publish(ctx, bus.Event{
		Topic:         bus.TopicHealthCheckCompleted,
		DeviceID:      req.DeviceID,
		CorrelationID: e.CorrelationID,
		Payload:       result,
	})
	if err != nil {
		c.log.Warn("Failed to publish health check result", "deviceID", req.DeviceID, "error", err)
	}
}
