package ota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/channel/fake"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/comm"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/store/memory"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

const testDevice = "dev-1"

type harness struct {
	t        *testing.T
	clock    *testingclock.FakeClock
	bus      *bus.Memory
	sessions *memory.SessionStore
	catalog  *memory.Catalog
	ch       *fake.Channel
	router   *comm.Router
	opts     *options.OTAOptions
	orch     *Orchestrator
	manager  *Manager

	mu     sync.Mutex
	events []bus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := testingclock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	b := bus.NewMemory(c)

	h := &harness{
		t:        t,
		clock:    c,
		bus:      b,
		sessions: memory.NewSessionStore(),
		catalog:  memory.NewCatalog(),
		ch:       fake.New("mqtt"),
		opts:     options.NewOTAOptions(),
	}
	h.opts.ChunkSize = 4
	h.opts.ResumeOnStart = false

	h.router = comm.NewRouter(b, memory.NewQueue(), comm.WithClock(c))
	h.router.RegisterChannel(h.ch)

	b.Subscribe(bus.AllTopics, func(_ context.Context, e bus.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})

	h.orch = NewOrchestrator(Deps{
		Sessions:       h.sessions,
		Firmware:       h.catalog,
		Configurations: h.catalog,
		Router:         h.router,
		Bus:            b,
		Clock:          c,
	}, h.opts)
	h.manager = NewManager(h.orch, b, c, h.opts)

	h.catalog.PutFirmware(&model.Firmware{ID: "fw-2", Version: "2.0.0", DeviceType: "ESP32", Data: []byte("0123456789")})
	h.catalog.PutConfiguration(&model.Configuration{ID: "cfg-1", Version: "7", Data: []byte(`{"interval":30}`)})

	t.Cleanup(func() {
		h.manager.Close()
		h.orch.Stop()
		b.Close()
	})
	return h
}

func esp32() *model.DeviceProfile {
	return &model.DeviceProfile{ID: testDevice, Type: "ESP32", FirmwareVersion: "1.0.0"}
}

// report publishes a DEVICE_STATUS message as if the device sent it.
func (h *harness) report(status model.DeviceStatus, extra map[string]any) {
	payload := map[string]any{"status": string(status)}
	for k, v := range extra {
		payload[k] = v
	}
	h.router.Ingest(context.Background(), &model.DeviceMessage{
		DeviceID:    testDevice,
		MessageType: model.MessageDeviceStatus,
		Payload:     payload,
	})
}

// device scripts the device side: every accepted message is answered by
// the reports respond returns.
func (h *harness) device(respond func(msg *model.DeviceMessage) []model.DeviceStatus) {
	h.ch.OnSend(func(msg *model.DeviceMessage) error {
		for _, status := range respond(msg) {
			var extra map[string]any
			if status == model.DeviceChunkReceived {
				extra = map[string]any{"chunkId": msg.Payload["chunkIndex"]}
			}
			h.report(status, extra)
		}
		return nil
	})
}

// cooperativeDevice acknowledges every step of an update.
func cooperativeDevice(msg *model.DeviceMessage) []model.DeviceStatus {
	switch msg.MessageType {
	case model.MessageUpdatePrepare:
		return []model.DeviceStatus{model.DeviceReady}
	case model.MessageUpdateChunk:
		return []model.DeviceStatus{model.DeviceChunkReceived}
	case model.MessageUpdateFinalize:
		return []model.DeviceStatus{model.DeviceValidationComplete, model.DeviceUpdateApplied, model.DeviceRestartComplete}
	case model.MessageUpdateRollback:
		return []model.DeviceStatus{model.DeviceRollbackComplete}
	}
	return nil
}

// healthChecker answers every health check with the given verdict.
func (h *harness) healthChecker(healthy bool, reason string) {
	h.bus.Subscribe(bus.TopicHealthCheckRequested, func(ctx context.Context, e bus.Event) {
		req := e.Payload.(model.HealthCheckRequest)
		_ = h.bus.Publish(ctx, bus.Event{
			Topic:         bus.TopicHealthCheckCompleted,
			DeviceID:      req.DeviceID,
			CorrelationID: e.CorrelationID,
			Payload:       model.HealthCheckResult{DeviceID: req.DeviceID, Healthy: healthy, Reason: reason},
		})
	})
}

// directory answers device info requests with profile. The returned func
// reports how many requests were answered.
func (h *harness) directory(profile *model.DeviceProfile) func() int {
	var mu sync.Mutex
	count := 0
	h.bus.Subscribe(bus.TopicDeviceInfoRequested, func(ctx context.Context, e bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
		_ = h.bus.Publish(ctx, bus.Event{
			Topic:         bus.TopicDeviceInfoResponse,
			DeviceID:      e.DeviceID,
			CorrelationID: e.CorrelationID,
			Payload:       profile,
		})
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func (h *harness) waitStatus(id string, want model.SessionStatus) *model.UpdateSession {
	h.t.Helper()
	var last *model.UpdateSession
	require.Eventually(h.t, func() bool {
		s, err := h.sessions.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
	return last
}

// waitArmed waits until the session is in want and a timer is pending.
func (h *harness) waitArmed(id string, want model.SessionStatus) {
	h.t.Helper()
	h.waitStatus(id, want)
	require.Eventually(h.t, h.clock.HasWaiters, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) topics() []bus.Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bus.Topic, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Topic)
	}
	return out
}

func (h *harness) updateEvents(topic bus.Topic) []model.UpdateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.UpdateEvent
	for _, e := range h.events {
		if e.Topic == topic {
			out = append(out, e.Payload.(model.UpdateEvent))
		}
	}
	return out
}

// waitEvents waits until n events of topic were observed.
func (h *harness) waitEvents(topic bus.Topic, n int) []model.UpdateEvent {
	h.t.Helper()
	assert.Eventually(h.t, func() bool { return len(h.updateEvents(topic)) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d %s events, saw %v", n, topic, h.topics())
	return h.updateEvents(topic)
}

func (h *harness) sentTypes() []model.MessageType {
	var out []model.MessageType
	for _, m := range h.ch.Sent() {
		out = append(out, m.MessageType)
	}
	return out
}
