package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*OTAOptions)(nil)

// OTAOptions holds the defaults of the update state machine.
type OTAOptions struct {
	ChunkSize         int           `json:"chunk-size" mapstructure:"chunk-size"`
	PrepareTimeout    time.Duration `json:"prepare-timeout" mapstructure:"prepare-timeout"`
	ChunkAckTimeout   time.Duration `json:"chunk-ack-timeout" mapstructure:"chunk-ack-timeout"`
	HealthTimeout     time.Duration `json:"health-timeout" mapstructure:"health-timeout"`
	UpdateTimeout     time.Duration `json:"update-timeout" mapstructure:"update-timeout"`
	DeviceInfoTimeout time.Duration `json:"device-info-timeout" mapstructure:"device-info-timeout"`
	DeviceInfoTTL     time.Duration `json:"device-info-ttl" mapstructure:"device-info-ttl"`
	ResumeOnStart     bool          `json:"resume-on-start" mapstructure:"resume-on-start"`
	RejectDowngrades  bool          `json:"reject-downgrades" mapstructure:"reject-downgrades"`
}

// NewOTAOptions creates an OTAOptions object with default parameters.
func NewOTAOptions() *OTAOptions {
	return &OTAOptions{
		ChunkSize:         4096,
		PrepareTimeout:    60 * time.Second,
		ChunkAckTimeout:   60 * time.Second,
		HealthTimeout:     60 * time.Second,
		UpdateTimeout:     5 * time.Minute,
		DeviceInfoTimeout: 10 * time.Second,
		DeviceInfoTTL:     5 * time.Minute,
		ResumeOnStart:     true,
	}
}

func (o *OTAOptions) Validate() []error {
	var errors []error

	if o.ChunkSize <= 0 {
		errors = append(errors, fmt.Errorf("--ota.chunk-size must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"prepare-timeout":     o.PrepareTimeout,
		"chunk-ack-timeout":   o.ChunkAckTimeout,
		"health-timeout":      o.HealthTimeout,
		"update-timeout":      o.UpdateTimeout,
		"device-info-timeout": o.DeviceInfoTimeout,
	} {
		if d <= 0 {
			errors = append(errors, fmt.Errorf("--ota.%s must be positive", name))
		}
	}

	return errors
}

func (o *OTAOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.ChunkSize, join(prefixes, "ota.chunk-size"), o.ChunkSize, "Default chunk size in bytes.")
	fs.DurationVar(&o.PrepareTimeout, join(prefixes, "ota.prepare-timeout"), o.PrepareTimeout, "How long a device may take to report READY.")
	fs.DurationVar(&o.ChunkAckTimeout, join(prefixes, "ota.chunk-ack-timeout"), o.ChunkAckTimeout, "How long a device may take to acknowledge one chunk.")
	fs.DurationVar(&o.HealthTimeout, join(prefixes, "ota.health-timeout"), o.HealthTimeout, "How long to wait for the post-update health check.")
	fs.DurationVar(&o.UpdateTimeout, join(prefixes, "ota.update-timeout"), o.UpdateTimeout, "Default bound on the validate, apply, restart and rollback phases.")
	fs.DurationVar(&o.DeviceInfoTimeout, join(prefixes, "ota.device-info-timeout"), o.DeviceInfoTimeout, "How long to wait for device metadata.")
	fs.DurationVar(&o.DeviceInfoTTL, join(prefixes, "ota.device-info-ttl"), o.DeviceInfoTTL, "How long device metadata stays cached.")
	fs.BoolVar(&o.ResumeOnStart, join(prefixes, "ota.resume-on-start"), o.ResumeOnStart, "Resume unfinished sessions at startup.")
	fs.BoolVar(&o.RejectDowngrades, join(prefixes, "ota.reject-downgrades"), o.RejectDowngrades, "Refuse unforced firmware updates that do not raise the installed version.")
}
