package memory

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

var (
	_ core.FirmwareCatalog      = (*Catalog)(nil)
	_ core.ConfigurationCatalog = (*Catalog)(nil)
)

// Catalog serves firmware images and configuration bundles from memory.
type Catalog struct {
	firmware cmap.ConcurrentMap[string, *model.Firmware]
	configs  cmap.ConcurrentMap[string, *model.Configuration]
}

func NewCatalog() *Catalog {
	return &Catalog{
		firmware: cmap.New[*model.Firmware](),
		configs:  cmap.New[*model.Configuration](),
	}
}

// PutFirmware stores f, filling in Size and Checksum when they are missing.
func (c *Catalog) PutFirmware(f *model.Firmware) {
	cp := *f
	cp.Size = len(cp.Data)
	if cp.Checksum == "" {
		cp.Checksum = model.Checksum(cp.Data)
	}
	c.firmware.Set(cp.ID, &cp)
}

// PutConfiguration stores cfg, filling in Size and Checksum when they are missing.
func (c *Catalog) PutConfiguration(cfg *model.Configuration) {
	cp := *cfg
	cp.Size = len(cp.Data)
	if cp.Checksum == "" {
		cp.Checksum = model.Checksum(cp.Data)
	}
	c.configs.Set(cp.ID, &cp)
}

func (c *Catalog) GetFirmware(_ context.Context, id string) (*model.Firmware, error) {
	f, ok := c.firmware.Get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (c *Catalog) GetConfiguration(_ context.Context, id string) (*model.Configuration, error) {
	cfg, ok := c.configs.Get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}
