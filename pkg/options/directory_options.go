package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DirectoryOptions)(nil)

// DeviceEntry is one statically configured device. Zero preference fields
// fall back to the hub defaults.
type DeviceEntry struct {
	ID                string        `json:"id" mapstructure:"id"`
	Type              string        `json:"type" mapstructure:"type"`
	FirmwareVersion   string        `json:"firmware-version" mapstructure:"firmware-version"`
	PreferredChannels []string      `json:"preferred-channels" mapstructure:"preferred-channels"`
	ConnectionTimeout time.Duration `json:"connection-timeout" mapstructure:"connection-timeout"`
	MaxRetries        int           `json:"max-retries" mapstructure:"max-retries"`
	RetryInterval     time.Duration `json:"retry-interval" mapstructure:"retry-interval"`
}

// DirectoryOptions configures the built-in device directory. Devices are
// listed in the config file; there are no flags for individual entries.
type DirectoryOptions struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Devices []DeviceEntry `json:"devices" mapstructure:"devices"`
}

// NewDirectoryOptions creates a DirectoryOptions object with default parameters.
func NewDirectoryOptions() *DirectoryOptions {
	return &DirectoryOptions{Enabled: true}
}

func (o *DirectoryOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errors []error
	seen := make(map[string]bool, len(o.Devices))
	for i, d := range o.Devices {
		switch {
		case d.ID == "":
			errors = append(errors, fmt.Errorf("directory.devices[%d]: id must be set", i))
		case seen[d.ID]:
			errors = append(errors, fmt.Errorf("directory.devices[%d]: duplicate device %q", i, d.ID))
		case d.Type == "":
			errors = append(errors, fmt.Errorf("directory.devices[%d]: type of %q must be set", i, d.ID))
		}
		seen[d.ID] = true
	}
	return errors
}

func (o *DirectoryOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, join(prefixes, "directory.enabled"), o.Enabled,
		"Answer device info and health check requests from the built-in directory.")
}
