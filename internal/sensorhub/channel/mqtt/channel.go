// Package mqtt implements the MQTT device channel.
package mqtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	pkgmqtt "github.com/autopeer-io/sensorhub/pkg/mqtt"
	"github.com/autopeer-io/sensorhub/pkg/mqtt/topic"
)

// Transport is the transport type of this channel.
const Transport = "mqtt"

var (
	// ErrBrokerUnavailable is returned while the broker connection is down.
	ErrBrokerUnavailable = errors.New("mqtt broker not connected")

	// ErrDeviceOffline is returned by Connect for devices without an online presence.
	ErrDeviceOffline = errors.New("device is offline")
)

var _ core.Channel = (*Channel)(nil)

// Channel reaches devices through an MQTT broker. Downlink messages go to
// {root}/downlink/{id}; uplink and presence traffic is fed in by the ingress
// server through HandleUplink and HandlePresence.
type Channel struct {
	client pkgmqtt.Client
	topics *topic.Builder
	codec  Codec
	// ingress receives uplink messages of devices without a dedicated listener.
	ingress core.Listener
	log     log.Logger

	mu        sync.RWMutex
	presence  map[string]model.ConnectionState
	listeners map[string]core.Listener
}

// New creates an MQTT channel.
func New(client pkgmqtt.Client, topics *topic.Builder, codec Codec, ingress core.Listener) *Channel {
	return &Channel{
		client:    client,
		topics:    topics,
		codec:     codec,
		ingress:   ingress,
		log:       log.WithName("mqtt-channel"),
		presence:  make(map[string]model.ConnectionState),
		listeners: make(map[string]core.Listener),
	}
}

func (c *Channel) Transport() string { return Transport }

// Connect succeeds when the broker is reachable and the device has announced
// itself online. Devices dial the broker on their own, so there is nothing to
// open from this side.
func (c *Channel) Connect(_ context.Context, deviceID string) error {
	if !c.client.IsConnected() {
		return ErrBrokerUnavailable
	}
	if c.presenceOf(deviceID) != model.ConnectionConnected {
		return ErrDeviceOffline
	}
	return nil
}

// Disconnect drops the dedicated listener of the device.
func (c *Channel) Disconnect(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, deviceID)
	return nil
}

func (c *Channel) SendMessage(ctx context.Context, msg *model.DeviceMessage) error {
	if !c.client.IsConnected() {
		return ErrBrokerUnavailable
	}

	payload, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.MessageID, err)
	}

	if err := c.client.Publish(ctx, c.topics.Downlink(msg.DeviceID), qosFor(msg.Priority), false, payload); err != nil {
		return fmt.Errorf("publish message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (c *Channel) StartListening(_ context.Context, deviceID string, l core.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[deviceID] = l
	return nil
}

func (c *Channel) ConnectionState(deviceID string) model.ConnectionState {
	state := c.presenceOf(deviceID)
	if !c.client.IsConnected() && state == model.ConnectionConnected {
		return model.ConnectionLost
	}
	return state
}

// SupportsPriority is true for every priority; LOW travels at QoS 0.
func (c *Channel) SupportsPriority(model.Priority) bool { return true }

// HandleUplink decodes a message published by deviceID and hands it to the
// device's listener, or to the ingress listener when there is none.
func (c *Channel) HandleUplink(ctx context.Context, deviceID string, payload []byte) error {
	msg, err := c.codec.Unmarshal(payload)
	if err != nil {
		return err
	}
	if msg.DeviceID == "" {
		msg.DeviceID = deviceID
	}
	if msg.DeviceID != deviceID {
		return fmt.Errorf("message for %q published on topic of %q", msg.DeviceID, deviceID)
	}

	c.mu.RLock()
	l, ok := c.listeners[deviceID]
	c.mu.RUnlock()
	if !ok {
		l = c.ingress
	}
	if l != nil {
		l(ctx, msg)
	}
	return nil
}

// HandlePresence records the presence marker of deviceID. An empty payload
// clears a retained marker and counts as offline.
func (c *Channel) HandlePresence(_ context.Context, deviceID string, payload []byte) error {
	state, err := parsePresence(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.presence[deviceID]
	c.presence[deviceID] = state
	c.mu.Unlock()

	if prev != state {
		c.log.Debug("Device presence changed", "deviceID", deviceID, "state", state)
	}
	return nil
}

func (c *Channel) presenceOf(deviceID string) model.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.presence[deviceID]; ok {
		return s
	}
	return model.ConnectionDisconnected
}

func parsePresence(payload []byte) (model.ConnectionState, error) {
	s := strings.ToUpper(string(bytes.TrimSpace(payload)))
	switch s {
	case "", "OFFLINE", string(model.ConnectionDisconnected):
		return model.ConnectionDisconnected, nil
	case "ONLINE", string(model.ConnectionConnected):
		return model.ConnectionConnected, nil
	case "LOST", string(model.ConnectionLost):
		return model.ConnectionLost, nil
	case string(model.ConnectionConnecting):
		return model.ConnectionConnecting, nil
	case string(model.ConnectionReconnecting):
		return model.ConnectionReconnecting, nil
	}
	return "", fmt.Errorf("unknown presence marker %q", s)
}

func qosFor(p model.Priority) int {
	if p == model.PriorityLow {
		return 0
	}
	return 1
}
