package ota

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/sensorhub/internal/pkg/metrics"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

type cachedProfile struct {
	profile   model.DeviceProfile
	expiresAt time.Time
}

// Manager is the entry point for starting updates. It resolves the device
// profile over the bus before handing the request to the Orchestrator, and
// substitutes a GENERIC profile when the device directory does not answer.
type Manager struct {
	orchestrator *Orchestrator
	requester    *bus.Requester
	clock        clock.Clock
	opts         *options.OTAOptions
	log          log.Logger

	cache cmap.ConcurrentMap[string, cachedProfile]
	group singleflight.Group
	sub   bus.Subscription
}

// NewManager creates a Manager. It also listens for unsolicited
// device.info.response events to keep its cache fresh.
func NewManager(o *Orchestrator, b bus.Bus, c clock.Clock, opts *options.OTAOptions) *Manager {
	if c == nil {
		c = clock.RealClock{}
	}
	m := &Manager{
		orchestrator: o,
		requester:    bus.NewRequester(b, bus.TopicDeviceInfoRequested, bus.TopicDeviceInfoResponse, c),
		clock:        c,
		opts:         opts,
		log:          log.WithName("update-manager"),
		cache:        cmap.New[cachedProfile](),
	}
	m.sub = b.Subscribe(bus.TopicDeviceInfoResponse, m.onDeviceInfo)
	return m
}

// Close stops listening on the bus.
func (m *Manager) Close() {
	m.sub.Unsubscribe()
	m.requester.Close()
}

// StartFirmwareUpdate starts a firmware update of deviceID.
func (m *Manager) StartFirmwareUpdate(ctx context.Context, deviceID, firmwareID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	profile := m.DeviceProfile(ctx, deviceID)
	return m.orchestrator.StartFirmware(ctx, profile, firmwareID, opts)
}

// StartConfigurationUpdate starts a configuration update of deviceID.
func (m *Manager) StartConfigurationUpdate(ctx context.Context, deviceID, configID string, opts model.UpdateOptions) (*model.UpdateSession, error) {
	profile := m.DeviceProfile(ctx, deviceID)
	return m.orchestrator.StartConfiguration(ctx, profile, configID, opts)
}

// Session returns a session by id.
func (m *Manager) Session(ctx context.Context, id string) (*model.UpdateSession, error) {
	return m.orchestrator.Get(ctx, id)
}

// ActiveSession returns the active session of a device.
func (m *Manager) ActiveSession(ctx context.Context, deviceID string) (*model.UpdateSession, error) {
	return m.orchestrator.Active(ctx, deviceID)
}

// DeviceProfile returns the profile of deviceID from the cache or the device
// directory. It never fails: unresolved devices get the fallback profile,
// which is not cached.
func (m *Manager) DeviceProfile(ctx context.Context, deviceID string) *model.DeviceProfile {
	if cached, ok := m.cache.Get(deviceID); ok && m.clock.Now().Before(cached.expiresAt) {
		metrics.DeviceInfoLookupsTotal.WithLabelValues("cached").Inc()
		p := cached.profile
		return &p
	}

	v, _, _ := m.group.Do(deviceID, func() (any, error) {
		return m.fetch(ctx, deviceID), nil
	})
	p := *v.(*model.DeviceProfile)
	return &p
}

func (m *Manager) fetch(ctx context.Context, deviceID string) *model.DeviceProfile {
	resp, err := m.requester.Request(ctx, bus.Event{
		DeviceID: deviceID,
		Payload:  model.DeviceInfoRequest{DeviceID: deviceID},
	}, m.opts.DeviceInfoTimeout)
	if err != nil {
		m.log.Warn("Device info unavailable, using generic profile", "deviceID", deviceID, "error", err)
		metrics.DeviceInfoLookupsTotal.WithLabelValues("fallback").Inc()
		return model.FallbackProfile(deviceID)
	}

	profile, ok := validProfile(resp, deviceID)
	if !ok {
		m.log.Warn("Malformed device info response, using generic profile", "deviceID", deviceID)
		metrics.DeviceInfoLookupsTotal.WithLabelValues("fallback").Inc()
		return model.FallbackProfile(deviceID)
	}

	metrics.DeviceInfoLookupsTotal.WithLabelValues("fetched").Inc()
	m.store(profile, resp.OccurredAt)
	return profile
}

// onDeviceInfo refreshes the cache from any device.info.response, including
// unsolicited ones.
func (m *Manager) onDeviceInfo(_ context.Context, e bus.Event) {
	if profile, ok := validProfile(e, e.DeviceID); ok {
		m.store(profile, e.OccurredAt)
	}
}

// store caches p until DeviceInfoTTL after the response was published.
func (m *Manager) store(p *model.DeviceProfile, at time.Time) {
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.cache.Set(p.ID, cachedProfile{profile: *p, expiresAt: at.Add(m.opts.DeviceInfoTTL)})
}

// validProfile extracts a usable profile from a device.info.response event.
func validProfile(e bus.Event, deviceID string) (*model.DeviceProfile, bool) {
	p, ok := e.Payload.(*model.DeviceProfile)
	if !ok || p == nil || p.Type == "" {
		return nil, false
	}
	cp := *p
	if cp.ID == "" {
		cp.ID = deviceID
	}
	if cp.ID == "" || (deviceID != "" && cp.ID != deviceID) {
		return nil, false
	}
	if cp.FirmwareVersion == "" {
		cp.FirmwareVersion = model.DefaultFirmwareVersion
	}
	return &cp, true
}
