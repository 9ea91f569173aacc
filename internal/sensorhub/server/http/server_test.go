package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/store/memory"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

type mockUpdates struct{ mock.Mock }

func (m *mockUpdates) StartFirmwareUpdate(ctx context.Context, deviceID, firmwareID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	args := m.Called(ctx, deviceID, firmwareID, opts)
	s, _ := args.Get(0).(*model.UpdateSession)
	return s, args.Error(1)
}

func (m *mockUpdates) StartConfigurationUpdate(ctx context.Context, deviceID, configID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	args := m.Called(ctx, deviceID, configID, opts)
	s, _ := args.Get(0).(*model.UpdateSession)
	return s, args.Error(1)
}

func (m *mockUpdates) Session(ctx context.Context, id string) (*model.UpdateSession, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*model.UpdateSession)
	return s, args.Error(1)
}

func (m *mockUpdates) ActiveSession(ctx context.Context, deviceID string) (*model.UpdateSession, error) {
	args := m.Called(ctx, deviceID)
	s, _ := args.Get(0).(*model.UpdateSession)
	return s, args.Error(1)
}

type mockDevices struct{ mock.Mock }

func (m *mockDevices) Send(ctx context.Context, msg *model.DeviceMessage) model.SendResult {
	return m.Called(ctx, msg).Get(0).(model.SendResult)
}

func (m *mockDevices) Connect(ctx context.Context, deviceID string) bool {
	return m.Called(ctx, deviceID).Bool(0)
}

func (m *mockDevices) ConnectionState(deviceID string) model.ConnectionState {
	return m.Called(deviceID).Get(0).(model.ConnectionState)
}

func (m *mockDevices) Transports() []string {
	return m.Called().Get(0).([]string)
}

type fixture struct {
	updates *mockUpdates
	devices *mockDevices
	queue   *memory.Queue
	handler http.Handler
	ready   error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{updates: &mockUpdates{}, devices: &mockDevices{}, queue: memory.NewQueue()}
	srv := NewServer(options.NewHttpOptions(), NewAPI(f.updates, f.devices, f.queue), func() error { return f.ready })
	f.handler = srv.Handler()
	t.Cleanup(func() {
		f.updates.AssertExpectations(t)
		f.devices.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStartFirmwareUpdate(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	f.updates.On("StartFirmwareUpdate", mock.Anything, "dev-1", "fw-2",
		model.UpdateOptions{ForceUpdate: true, UpdateTimeout: 90 * time.Second}).
		Return(&model.UpdateSession{
			ID:               "s-1",
			Status:           model.StatusInitiated,
			StartedAt:        started,
			ExpectedDuration: 33 * time.Second,
		}, nil)

	rec := f.do(http.MethodPost, "/api/v1/updates/firmware/dev-1/fw-2", `{"forceUpdate":true,"updateTimeout":90}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[UpdateResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "s-1", resp.SessionID)
	assert.Equal(t, model.StatusInitiated, resp.Status)
	assert.Equal(t, int64(33000), resp.ExpectedDuration)
	assert.Equal(t, "Firmware update initiated", resp.Message)
	require.NotNil(t, resp.StartedAt)
	assert.True(t, resp.StartedAt.Equal(started))
}

func TestStartUpdateErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{core.ErrActiveSession, http.StatusConflict},
		{fmt.Errorf("firmware fw-2: %w", core.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: type ESP32", core.ErrIncompatible), http.StatusUnprocessableEntity},
		{core.ErrNotNewer, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.updates.On("StartConfigurationUpdate", mock.Anything, "dev-1", "cfg-1", model.UpdateOptions{}).
				Return(nil, tt.err)

			rec := f.do(http.MethodPost, "/api/v1/updates/configuration/dev-1/cfg-1", "")
			assert.Equal(t, tt.code, rec.Code)
			resp := decode[UpdateResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.err.Error(), resp.Message)
		})
	}
}

func TestStartUpdateBadBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/updates/firmware/dev-1/fw-2", `{"forceUpdate":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionQueries(t *testing.T) {
	f := newFixture(t)
	f.updates.On("Session", mock.Anything, "s-1").Return(&model.UpdateSession{ID: "s-1", AcknowledgedChunks: 2}, nil)
	f.updates.On("Session", mock.Anything, "s-9").Return(nil, core.ErrNotFound)
	f.updates.On("ActiveSession", mock.Anything, "dev-1").Return(&model.UpdateSession{ID: "s-1"}, nil)

	rec := f.do(http.MethodGet, "/api/v1/updates/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[model.UpdateSession](t, rec).AcknowledgedChunks)

	rec = f.do(http.MethodGet, "/api/v1/updates/s-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/devices/dev-1/updates/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1", decode[model.UpdateSession](t, rec).ID)
}

func TestConnectionRoutes(t *testing.T) {
	f := newFixture(t)
	f.devices.On("ConnectionState", "dev-1").Return(model.ConnectionConnected)
	f.devices.On("Connect", mock.Anything, "dev-1").Return(true)
	f.devices.On("Transports").Return([]string{"mqtt", "lora"})

	rec := f.do(http.MethodGet, "/api/v1/devices/dev-1/connection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ConnectionResponse](t, rec)
	assert.True(t, got.Connected)
	assert.Equal(t, []string{"mqtt", "lora"}, got.Transports)

	rec = f.do(http.MethodPost, "/api/v1/devices/dev-1/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[ConnectionResponse](t, rec)
	assert.Equal(t, model.ConnectionConnected, got.State)
	assert.Equal(t, []string{"mqtt", "lora"}, got.Transports)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.devices.On("Send", mock.Anything, mock.MatchedBy(func(m *model.DeviceMessage) bool {
		return m.DeviceID == "dev-1" && m.MessageType == model.MessageCommand && m.TTL == time.Minute
	})).Return(model.SendResult{PendingDelivery: true, MessageID: "m-1", Error: "all channels failed"}).Once()
	f.devices.On("Send", mock.Anything, mock.Anything).
		Return(model.SendResult{Error: core.ErrInvalidMessage.Error()}).Once()

	rec := f.do(http.MethodPost, "/api/v1/devices/dev-1/messages",
		`{"messageType":"COMMAND","payload":{"action":"reboot"},"ttl":60}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "m-1", decode[model.SendResult](t, rec).MessageID)

	rec = f.do(http.MethodPost, "/api/v1/devices/dev-1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, m := range []struct{ id, dev string }{{"a", "dev-1"}, {"b", "dev-2"}} {
		require.NoError(t, f.queue.Enqueue(ctx, &model.QueuedMessage{
			DeviceMessage: model.DeviceMessage{MessageID: m.id, DeviceID: m.dev},
			Status:        model.QueueStatusQueued,
		}))
	}

	rec := f.do(http.MethodGet, "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.QueuedMessage](t, rec), 2)

	rec = f.do(http.MethodGet, "/api/v1/queue?deviceId=dev-2", "")
	got := decode[[]model.QueuedMessage](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].MessageID)

	rec = f.do(http.MethodGet, "/api/v1/queue?deviceId=none", "")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "").Code)

	f.ready = errors.New("mqtt broker not connected")
	rec := f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "mqtt broker not connected")

	rec = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensorhub_")
}
