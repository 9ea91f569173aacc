package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	pkgmqtt "github.com/autopeer-io/sensorhub/pkg/mqtt"
	"github.com/autopeer-io/sensorhub/pkg/mqtt/topic"
)

type stubClient struct {
	mu           sync.Mutex
	connected    bool
	subs         map[string]pkgmqtt.MessageHandler
	disconnected bool
	awaitErr     error
}

func newStubClient() *stubClient {
	return &stubClient{subs: make(map[string]pkgmqtt.MessageHandler)}
}

func (c *stubClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *stubClient) Disconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.connected = false
}

func (c *stubClient) Publish(context.Context, string, int, bool, []byte) error { return nil }

func (c *stubClient) Subscribe(_ context.Context, t string, _ int, h pkgmqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[t] = h
	return nil
}

func (c *stubClient) Unsubscribe(context.Context, string) error { return nil }

func (c *stubClient) AwaitConnection(context.Context) error { return c.awaitErr }

func (c *stubClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubClient) handler(t string) pkgmqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[t]
}

type call struct {
	kind, deviceID, payload string
}

type recordingIngress struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingIngress) HandleUplink(_ context.Context, deviceID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"uplink", deviceID, string(payload)})
	return nil
}

func (r *recordingIngress) HandlePresence(_ context.Context, deviceID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"presence", deviceID, string(payload)})
	return errors.New("ignored")
}

func (r *recordingIngress) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func TestServerRoutesDeviceTraffic(t *testing.T) {
	client := newStubClient()
	ingress := &recordingIngress{}
	srv := NewServer(client, topic.NewBuilder("sensors/v1"), "hub", ingress)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		return client.handler("$share/hub/sensors/v1/uplink/+") != nil &&
			client.handler("sensors/v1/presence/+") != nil
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, srv.Ready())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BrokerConnectivityStatus) == 1
	}, time.Second, 5*time.Millisecond)

	client.handler("$share/hub/sensors/v1/uplink/+")(ctx, "sensors/v1/uplink/dev-1", []byte(`{"messageType":"DEVICE_STATUS"}`))
	client.handler("sensors/v1/presence/+")(ctx, "sensors/v1/presence/dev-2", []byte("online"))
	client.handler("sensors/v1/presence/+")(ctx, "other/topic", []byte("online"))

	assert.Equal(t, []call{
		{"uplink", "dev-1", `{"messageType":"DEVICE_STATUS"}`},
		{"presence", "dev-2", "online"},
	}, ingress.snapshot())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, client.disconnected)
	assert.Error(t, srv.Ready())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.BrokerConnectivityStatus))
}

func TestServerWithoutShareGroup(t *testing.T) {
	client := newStubClient()
	srv := NewServer(client, topic.NewBuilder("sensors/v1"), "", &recordingIngress{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return client.handler("sensors/v1/uplink/+") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestServerConnectionFailure(t *testing.T) {
	client := newStubClient()
	client.awaitErr = context.DeadlineExceeded
	srv := NewServer(client, topic.NewBuilder("sensors/v1"), "hub", &recordingIngress{})

	err := srv.Start(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, client.disconnected)
}
