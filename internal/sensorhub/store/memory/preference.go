package memory

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var _ core.PreferenceStore = (*Preferences)(nil)

// Preferences keeps device communication preferences in memory.
type Preferences struct {
	items cmap.ConcurrentMap[string, *model.CommunicationPreference]
}

func NewPreferences() *Preferences {
	return &Preferences{items: cmap.New[*model.CommunicationPreference]()}
}

// Set stores p, replacing any earlier preference of the device.
func (p *Preferences) Set(pref *model.CommunicationPreference) {
	cp := *pref
	cp.PreferredChannels = append([]string(nil), pref.PreferredChannels...)
	p.items.Set(cp.DeviceID, &cp)
}

func (p *Preferences) Preference(_ context.Context, deviceID string) (*model.CommunicationPreference, error) {
	pref, ok := p.items.Get(deviceID)
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *pref
	cp.PreferredChannels = append([]string(nil), pref.PreferredChannels...)
	return &cp, nil
}
