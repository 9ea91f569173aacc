// Package fake provides an in-process core.Channel with scriptable behavior.
package fake

import (
	"context"
	"sync"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var _ core.Channel = (*Channel)(nil)

// Channel records sent messages and lets callers inject failures, connection
// states and inbound traffic.
type Channel struct {
	transport string

	mu         sync.Mutex
	priorities map[model.Priority]bool
	sendErr    error
	connectErr error
	onSend     func(msg *model.DeviceMessage) error
	states     map[string]model.ConnectionState
	listeners  map[string]core.Listener
	sent       []*model.DeviceMessage
}

// New returns a channel of the given transport type that accepts everything.
func New(transport string) *Channel {
	return &Channel{
		transport: transport,
		states:    make(map[string]model.ConnectionState),
		listeners: make(map[string]core.Listener),
	}
}

func (c *Channel) Transport() string { return c.transport }

// FailSends makes every SendMessage return err. A nil err restores success.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailConnects makes every Connect return err.
func (c *Channel) FailConnects(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// OnSend installs a hook run for every accepted message. A non-nil error from
// fn fails the send.
func (c *Channel) OnSend(fn func(msg *model.DeviceMessage) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// OnlyPriorities restricts the priorities the channel carries.
func (c *Channel) OnlyPriorities(ps ...model.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priorities = make(map[model.Priority]bool, len(ps))
	for _, p := range ps {
		c.priorities[p] = true
	}
}

// SetState sets the connection state reported for a device.
func (c *Channel) SetState(deviceID string, s model.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[deviceID] = s
}

func (c *Channel) Connect(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.states[deviceID] = model.ConnectionConnected
	return nil
}

func (c *Channel) Disconnect(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[deviceID] = model.ConnectionDisconnected
	return nil
}

func (c *Channel) SendMessage(_ context.Context, msg *model.DeviceMessage) error {
	c.mu.Lock()
	err, hook := c.sendErr, c.onSend
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *msg
	c.sent = append(c.sent, &cp)
	return nil
}

func (c *Channel) StartListening(_ context.Context, deviceID string, l core.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[deviceID] = l
	return nil
}

func (c *Channel) ConnectionState(deviceID string) model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[deviceID]; ok {
		return s
	}
	return model.ConnectionDisconnected
}

func (c *Channel) SupportsPriority(p model.Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priorities == nil || c.priorities[p]
}

// Sent returns copies of the accepted messages in send order.
func (c *Channel) Sent() []*model.DeviceMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.DeviceMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Emit delivers msg to the listener registered for its device and reports
// whether one was registered.
func (c *Channel) Emit(ctx context.Context, msg *model.DeviceMessage) bool {
	c.mu.Lock()
	l, ok := c.listeners[msg.DeviceID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	l(ctx, msg)
	return true
}
