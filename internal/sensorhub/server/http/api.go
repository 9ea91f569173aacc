// Package http exposes the update and device operations as a JSON API
// next to the health, readiness and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
)

// Updates starts and inspects update sessions.
type Updates interface {
	StartFirmwareUpdate(ctx context.Context, deviceID, firmwareID string, opts model.UpdateOptions) (*model.UpdateSession, error)
	StartConfigurationUpdate(ctx context.Context, deviceID, configID string, opts model.UpdateOptions) (*model.UpdateSession, error)
	Session(ctx context.Context, id string) (*model.UpdateSession, error)
	ActiveSession(ctx context.Context, deviceID string) (*model.UpdateSession, error)
}

// Devices reaches devices through the communication router.
type Devices interface {
	Send(ctx context.Context, msg *model.DeviceMessage) model.SendResult
	Connect(ctx context.Context, deviceID string) bool
	ConnectionState(deviceID string) model.ConnectionState
	Transports() []string
}

// QueueReader lists queued messages.
type QueueReader interface {
	List(ctx context.Context, deviceID string) ([]*model.QueuedMessage, error)
}

// API serves /api/v1.
type API struct {
	updates Updates
	devices Devices
	queue   QueueReader
	log     log.Logger
}

func NewAPI(updates Updates, devices Devices, queue QueueReader) *API {
	return &API{updates: updates, devices: devices, queue: queue, log: log.WithName("http")}
}

// Register mounts the API routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/updates/firmware/{deviceId}/{firmwareId}", a.startFirmware).Methods(http.MethodPost)
	r.HandleFunc("/updates/configuration/{deviceId}/{configId}", a.startConfiguration).Methods(http.MethodPost)
	r.HandleFunc("/updates/{sessionId}", a.getSession).Methods(http.MethodGet)
	r.HandleFunc("/devices/{deviceId}/updates/active", a.activeSession).Methods(http.MethodGet)
	r.HandleFunc("/devices/{deviceId}/connection", a.connection).Methods(http.MethodGet)
	r.HandleFunc("/devices/{deviceId}/connect", a.connect).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceId}/messages", a.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/queue", a.listQueue).Methods(http.MethodGet)
}

// UpdateRequest is the optional body of the start-update routes.
type UpdateRequest struct {
	ForceUpdate      bool `json:"forceUpdate"`
	SkipVerification bool `json:"skipVerification"`
	// UpdateTimeout is in seconds.
	UpdateTimeout int `json:"updateTimeout"`
	ChunkSize     int `json:"chunkSize"`
}

// UpdateResponse answers the start-update routes.
type UpdateResponse struct {
	Success   bool                `json:"success"`
	SessionID string              `json:"sessionId,omitempty"`
	Message   string              `json:"message"`
	Status    model.SessionStatus `json:"status,omitempty"`
	StartedAt *time.Time          `json:"startedAt,omitempty"`
	// ExpectedDuration is in milliseconds.
	ExpectedDuration int64 `json:"expectedDuration,omitempty"`
}

// MessageRequest is the body of the send-message route.
type MessageRequest struct {
	MessageType model.MessageType `json:"messageType"`
	Payload     map[string]any    `json:"payload"`
	Priority    model.Priority    `json:"priority"`
	// TTL is in seconds.
	TTL int `json:"ttl"`
}

// ConnectionResponse answers the connection routes.
type ConnectionResponse struct {
	DeviceID   string                `json:"deviceId"`
	State      model.ConnectionState `json:"state,omitempty"`
	Connected  bool                  `json:"connected"`
	Transports []string              `json:"transports"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *API) startFirmware(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a.startUpdate(w, r, "Firmware", func(ctx context.Context, opts model.UpdateOptions) (*model.UpdateSession, error) {
		return a.updates.StartFirmwareUpdate(ctx, vars["deviceId"], vars["firmwareId"], opts)
	})
}

func (a *API) startConfiguration(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a.startUpdate(w, r, "Configuration", func(ctx context.Context, opts model.UpdateOptions) (*model.UpdateSession, error) {
		return a.updates.StartConfigurationUpdate(ctx, vars["deviceId"], vars["configId"], opts)
	})
}

func (a *API) startUpdate(w http.ResponseWriter, r *http.Request, kind string,
	start func(context.Context, model.UpdateOptions) (*model.UpdateSession, error),
) {
	var req UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	s, err := start(r.Context(), model.UpdateOptions{
		ForceUpdate:      req.ForceUpdate,
		SkipVerification: req.SkipVerification,
		UpdateTimeout:    time.Duration(req.UpdateTimeout) * time.Second,
		ChunkSize:        req.ChunkSize,
	})
	if err != nil {
		a.log.Warn("Update rejected", "kind", kind, "error", err)
		writeJSON(w, statusOf(err), UpdateResponse{Message: err.Error()})
		return
	}

	started := s.StartedAt
	writeJSON(w, http.StatusAccepted, UpdateResponse{
		Success:          true,
		SessionID:        s.ID,
		Message:          kind + " update initiated",
		Status:           s.Status,
		StartedAt:        &started,
		ExpectedDuration: s.ExpectedDuration.Milliseconds(),
	})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.updates.Session(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeJSON(w, statusOf(err), errorResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) activeSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.updates.ActiveSession(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		writeJSON(w, statusOf(err), errorResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) connection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deviceId"]
	state := a.devices.ConnectionState(id)
	writeJSON(w, http.StatusOK, ConnectionResponse{
		DeviceID:   id,
		State:      state,
		Connected:  state == model.ConnectionConnected,
		Transports: a.devices.Transports(),
	})
}

func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deviceId"]
	ok := a.devices.Connect(r.Context(), id)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ConnectionResponse{
		DeviceID:   id,
		State:      a.devices.ConnectionState(id),
		Connected:  ok,
		Transports: a.devices.Transports(),
	})
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	res := a.devices.Send(r.Context(), &model.DeviceMessage{
		DeviceID:    mux.Vars(r)["deviceId"],
		MessageType: req.MessageType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		TTL:         time.Duration(req.TTL) * time.Second,
	})

	status := http.StatusOK
	switch {
	case res.Success:
	case res.PendingDelivery:
		status = http.StatusAccepted
	case res.Error == core.ErrInvalidMessage.Error():
		status = http.StatusBadRequest
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (a *API) listQueue(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.queue.List(r.Context(), r.URL.Query().Get("deviceId"))
	if err != nil {
		writeJSON(w, statusOf(err), errorResponse{Message: err.Error()})
		return
	}
	if msgs == nil {
		msgs = []*model.QueuedMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrActiveSession):
		return http.StatusConflict
	case errors.Is(err, core.ErrIncompatible), errors.Is(err, core.ErrNotNewer):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInvalidMessage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// decodeBody accepts an empty body.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}
