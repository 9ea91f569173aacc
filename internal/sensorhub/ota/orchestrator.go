// Package ota drives firmware and configuration updates through the update
// session state machine.
package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// ErrStopped is returned when an update is started after Stop.
var ErrStopped = errors.New("update orchestrator stopped")

// Sender delivers device messages. It is satisfied by the communication router.
type Sender interface {
	Send(ctx context.Context, msg *model.DeviceMessage) model.SendResult
}

// Orchestrator creates update sessions and runs each on its own goroutine.
// Status reports arriving on the bus are routed to the runner of the
// reporting device's active session.
type Orchestrator struct {
	sessions core.SessionRepository
	firmware core.FirmwareCatalog
	configs  core.ConfigurationCatalog
	router   Sender
	bus      bus.Bus
	health   *bus.Requester
	clock    clock.Clock
	opts     *options.OTAOptions
	log      log.Logger

	// runners holds the live runner of each device.
	runners cmap.ConcurrentMap[string, *runner]
	sub     bus.Subscription

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Sessions       core.SessionRepository
	Firmware       core.FirmwareCatalog
	Configurations core.ConfigurationCatalog
	Router         Sender
	Bus            bus.Bus
	Clock          clock.Clock
}

// NewOrchestrator creates an Orchestrator and starts routing status reports.
func NewOrchestrator(deps Deps, opts *options.OTAOptions) *Orchestrator {
	c := deps.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessions: deps.Sessions,
		firmware: deps.Firmware,
		configs:  deps.Configurations,
		router:   deps.Router,
		bus:      deps.Bus,
		health:   bus.NewRequester(deps.Bus, bus.TopicHealthCheckRequested, bus.TopicHealthCheckCompleted, c),
		clock:    c,
		opts:     opts,
		log:      log.WithName("ota"),
		runners:  cmap.New[*runner](),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.sub = deps.Bus.Subscribe(bus.TopicDeviceMessage, o.onDeviceMessage)
	return o
}

// Start resumes stored sessions when configured to, then blocks until ctx is
// done and stops every runner.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.opts.ResumeOnStart {
		if err := o.Resume(ctx); err != nil {
			o.log.Error(err, "Failed to resume update sessions")
		}
	}

	<-ctx.Done()
	o.Stop()
	return nil
}

// Stop halts every runner without touching the stored sessions.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.sub.Unsubscribe()
	o.health.Close()
	o.cancel()
	o.wg.Wait()
}

// StartFirmware validates firmwareID against profile and starts a FIRMWARE session.
func (o *Orchestrator) StartFirmware(ctx context.Context, profile *model.DeviceProfile, firmwareID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	fw, err := o.firmware.GetFirmware(ctx, firmwareID)
	if err != nil {
		return nil, fmt.Errorf("firmware %s: %w", firmwareID, err)
	}
	if err := checkCompatible(profile, fw.DeviceType); err != nil {
		return nil, err
	}
	if o.opts.RejectDowngrades {
		if err := checkNewer(profile, fw.Version, opts.ForceUpdate); err != nil {
			return nil, err
		}
	}

	return o.start(ctx, &model.UpdateSession{
		DeviceID:  profile.ID,
		Type:      model.UpdateTypeFirmware,
		SourceID:  fw.ID,
		Version:   fw.Version,
		Checksum:  fw.Checksum,
		TotalSize: len(fw.Data),
		Options:   opts,
	}, fw.Data)
}

// StartConfiguration starts a CONFIGURATION session. Bundles without a
// device type apply to every device.
func (o *Orchestrator) StartConfiguration(ctx context.Context, profile *model.DeviceProfile, configID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	cfg, err := o.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", configID, err)
	}
	if cfg.DeviceType != "" {
		if err := checkCompatible(profile, cfg.DeviceType); err != nil {
			return nil, err
		}
	}

	return o.start(ctx, &model.UpdateSession{
		DeviceID:  profile.ID,
		Type:      model.UpdateTypeConfiguration,
		SourceID:  cfg.ID,
		Version:   cfg.Version,
		Checksum:  cfg.Checksum,
		TotalSize: len(cfg.Data),
		Options:   opts,
	}, cfg.Data)
}

func (o *Orchestrator) start(ctx context.Context, s *model.UpdateSession, data []byte) (*model.UpdateSession, error) {
	s.ChunkSize = s.Options.ChunkSize
	if s.ChunkSize <= 0 {
		s.ChunkSize = o.opts.ChunkSize
	}
	s.TotalChunks = chunkCount(s.TotalSize, s.ChunkSize)
	s.ExpectedDuration = time.Duration(s.TotalChunks)*time.Second + 30*time.Second

	now := o.clock.Now()
	s.ID = uuid.NewString()
	s.Status = model.StatusInitiated
	s.StartedAt = now
	s.LastActivityAt = now

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}

	if err := o.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	o.log.Info("Update session created", "sessionID", s.ID, "deviceID", s.DeviceID,
		"type", s.Type, "version", s.Version, "chunks", s.TotalChunks)
	o.publish(ctx, bus.TopicUpdateInitiated, model.UpdateEvent{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Type:      s.Type,
		Status:    s.Status,
		Version:   s.Version,
	})

	snapshot := s.Clone()
	o.launch(s, data)
	return snapshot, nil
}

// Resume attaches a runner to every stored non-terminal session that has none.
func (o *Orchestrator) Resume(ctx context.Context) error {
	active, err := o.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}

	var errs []error
	for _, s := range active {
		if _, ok := o.runners.Get(s.DeviceID); ok {
			continue
		}

		data, err := o.artifact(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			o.failStored(ctx, s, "failed to load update artifact: "+err.Error())
			continue
		}

		o.log.Info("Resuming update session", "sessionID", s.ID, "deviceID", s.DeviceID, "status", s.Status)
		o.launch(s, data)
	}
	return errors.Join(errs...)
}

// Get returns a session by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.UpdateSession, error) {
	return o.sessions.Get(ctx, id)
}

// Active returns the active session of a device.
func (o *Orchestrator) Active(ctx context.Context, deviceID string) (*model.UpdateSession, error) {
	return o.sessions.FindActive(ctx, deviceID)
}

// launch must be called with o.mu held.
func (o *Orchestrator) launch(s *model.UpdateSession, data []byte) {
	r := newRunner(o, s, data)
	o.runners.Set(s.DeviceID, r)
	metrics.UpdateSessionsActive.Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer metrics.UpdateSessionsActive.Dec()
		defer o.runners.RemoveCb(s.DeviceID, func(_ string, v *runner, exists bool) bool {
			return exists && v == r
		})
		r.run(o.ctx)
	}()
}

func (o *Orchestrator) onDeviceMessage(_ context.Context, e bus.Event) {
	msg, ok := e.Payload.(*model.DeviceMessage)
	if !ok || msg.MessageType != model.MessageDeviceStatus {
		return
	}

	report, err := model.ParseStatusReport(msg)
	if err != nil {
		o.log.Warn("Discarding malformed status report", "deviceID", msg.DeviceID, "messageID", msg.MessageID, "error", err)
		return
	}

	r, ok := o.runners.Get(report.DeviceID)
	if !ok {
		o.log.Debug("Discarding status report without active session", "deviceID", report.DeviceID, "status", report.Status)
		return
	}
	r.deliver(report)
}

func (o *Orchestrator) artifact(ctx context.Context, s *model.UpdateSession) ([]byte, error) {
	switch s.Type {
	case model.UpdateTypeFirmware:
		fw, err := o.firmware.GetFirmware(ctx, s.SourceID)
		if err != nil {
			return nil, err
		}
		return fw.Data, nil
	case model.UpdateTypeConfiguration:
		cfg, err := o.configs.GetConfiguration(ctx, s.SourceID)
		if err != nil {
			return nil, err
		}
		return cfg.Data, nil
	}
	return nil, fmt.Errorf("unknown update type %q", s.Type)
}

// failStored fails a session that has no runner.
func (o *Orchestrator) failStored(ctx context.Context, s *model.UpdateSession, reason string) {
	now := o.clock.Now()
	prev := s.Status
	s.Status = model.StatusFailed
	s.Error = reason
	s.LastActivityAt = now
	s.CompletedAt = &now
	if err := o.sessions.Update(ctx, s); err != nil {
		o.log.Error(err, "Failed to persist session", "sessionID", s.ID)
	}

	e := model.UpdateEvent{SessionID: s.ID, DeviceID: s.DeviceID, Type: s.Type, Status: s.Status, Version: s.Version, Error: reason}
	o.publish(ctx, bus.TopicUpdateError, e)
	e.PreviousStatus = prev
	o.publish(ctx, bus.TopicUpdateStatusChanged, e)
}

func (o *Orchestrator) publish(ctx context.Context, topic bus.Topic, e model.UpdateEvent) {
	if err := o.bus.Publish(ctx, bus.Event{Topic: topic, DeviceID: e.DeviceID, Payload: e}); err != nil {
		o.log.Debug("Failed to publish update event", "topic", topic, "error", err)
	}
}

// checkCompatible rejects artifacts built for another device type. Forcing
// an update does not skip it.
func checkCompatible(profile *model.DeviceProfile, deviceType string) error {
	if deviceType != profile.Type {
		return fmt.Errorf("%w: built for %s, device %s is %s", core.ErrIncompatible, deviceType, profile.ID, profile.Type)
	}
	return nil
}

// checkNewer rejects a firmware version that does not upgrade the device,
// when both versions are semantic versions and the profile is known. It only
// runs with OTAOptions.RejectDowngrades set.
func checkNewer(profile *model.DeviceProfile, version string, force bool) error {
	if force || profile.Fallback() {
		return nil
	}
	installed, err := semver.NewVersion(profile.FirmwareVersion)
	if err != nil {
		return nil
	}
	candidate, err := semver.NewVersion(version)
	if err != nil {
		return nil
	}
	if !candidate.GreaterThan(installed) {
		return fmt.Errorf("%w: %s does not upgrade %s", core.ErrNotNewer, candidate, installed)
	}
	return nil
}
