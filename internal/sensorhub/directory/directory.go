// Package directory is the built-in device registry. It answers device info
// requests on the bus, serves communication preferences to the router and
// records the firmware version installed by completed updates.
package directory

import (
	"context"
	"slices"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/bus"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

var _ core.PreferenceStore = (*Directory)(nil)

type entry struct {
	profile model.DeviceProfile
	pref    *model.CommunicationPreference
}

// Directory holds the statically configured devices.
type Directory struct {
	bus     bus.Bus
	entries cmap.ConcurrentMap[string, entry]
	subs    []bus.Subscription
	log     log.Logger
}

// New creates a Directory seeded from opts and subscribes it to the bus.
func New(b bus.Bus, opts *options.DirectoryOptions) *Directory {
	d := &Directory{
		bus:     b,
		entries: cmap.New[entry](),
		log:     log.WithName("directory"),
	}
	for _, dev := range opts.Devices {
		d.Register(fromOptions(dev))
	}

	d.subs = []bus.Subscription{
		b.Subscribe(bus.TopicDeviceInfoRequested, d.onInfoRequested),
		b.Subscribe(bus.TopicUpdateCompleted, d.onUpdateCompleted),
	}
	return d
}

// Start blocks until ctx is done, then detaches from the bus.
func (d *Directory) Start(ctx context.Context) error {
	d.log.Info("Device directory serving", "devices", d.entries.Count())
	<-ctx.Done()
	for _, s := range d.subs {
		s.Unsubscribe()
	}
	return nil
}

// Register adds or replaces a device. pref may be nil.
func (d *Directory) Register(p model.DeviceProfile, pref *model.CommunicationPreference) {
	if p.FirmwareVersion == "" {
		p.FirmwareVersion = model.DefaultFirmwareVersion
	}
	d.entries.Set(p.ID, entry{profile: p, pref: pref})
}

// Profile returns the profile of a registered device.
func (d *Directory) Profile(deviceID string) (*model.DeviceProfile, bool) {
	e, ok := d.entries.Get(deviceID)
	if !ok {
		return nil, false
	}
	p := e.profile
	return &p, true
}

func (d *Directory) Preference(_ context.Context, deviceID string) (*model.CommunicationPreference, error) {
	e, ok := d.entries.Get(deviceID)
	if !ok || e.pref == nil {
		return nil, core.ErrNotFound
	}
	p := *e.pref
	p.PreferredChannels = slices.Clone(e.pref.PreferredChannels)
	return &p, nil
}

// onInfoRequested answers every request. Unknown devices get an empty
// answer so the requester falls back at once instead of waiting out its timeout.
func (d *Directory) onInfoRequested(ctx context.Context, e bus.Event) {
	resp := bus.Event{
		Topic:         bus.TopicDeviceInfoResponse,
		DeviceID:      e.DeviceID,
		CorrelationID: e.CorrelationID,
	}
	if p, ok := d.Profile(e.DeviceID); ok {
		resp.Payload = p
	}
	if err := d.bus.Publish(ctx, resp); err != nil {
		d.log.Warn("Failed to answer device info request", "deviceID", e.DeviceID, "error", err)
	}
}

// onUpdateCompleted records the new firmware version and announces the
// changed profile.
func (d *Directory) onUpdateCompleted(ctx context.Context, e bus.Event) {
	ev, ok := e.Payload.(model.UpdateEvent)
	if !ok || ev.NewFirmwareVersion == "" {
		return
	}

	updated := d.entries.Upsert(ev.DeviceID, entry{}, func(exists bool, cur, _ entry) entry {
		if !exists {
			cur.profile = *model.FallbackProfile(ev.DeviceID)
		}
		cur.profile.FirmwareVersion = ev.NewFirmwareVersion
		return cur
	})
	d.log.Info("Recorded firmware version", "deviceID", ev.DeviceID, "version", ev.NewFirmwareVersion)

	p := updated.profile
	err := d.bus.Publish(ctx, bus.Event{Topic: bus.TopicDeviceInfoResponse, DeviceID: ev.DeviceID, Payload: &p})
	if err != nil {
		d.log.Debug("Failed to announce profile", "error", err)
	}
}

func fromOptions(dev options.DeviceEntry) (model.DeviceProfile, *model.CommunicationPreference) {
	p := model.DeviceProfile{ID: dev.ID, Type: dev.Type, FirmwareVersion: dev.FirmwareVersion}

	if len(dev.PreferredChannels) == 0 && dev.MaxRetries == 0 && dev.RetryInterval == 0 && dev.ConnectionTimeout == 0 {
		return p, nil
	}
	pref := model.DefaultPreference(dev.ID)
	pref.PreferredChannels = slices.Clone(dev.PreferredChannels)
	if dev.ConnectionTimeout > 0 {
		pref.ConnectionTimeout = dev.ConnectionTimeout
	}
	if dev.MaxRetries > 0 {
		pref.MaxRetries = dev.MaxRetries
	}
	if dev.RetryInterval > 0 {
		pref.RetryInterval = dev.RetryInterval
	}
	return p, pref
}
