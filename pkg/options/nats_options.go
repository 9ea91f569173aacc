package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*NatsOptions)(nil)

// NatsOptions configures the bridge that mirrors bus events to NATS.
type NatsOptions struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	URL           string        `json:"url" mapstructure:"url"`
	SubjectPrefix string        `json:"subject-prefix" mapstructure:"subject-prefix"`
	ReconnectWait time.Duration `json:"reconnect-wait" mapstructure:"reconnect-wait"`
}

// NewNatsOptions creates a NatsOptions object with default parameters.
func NewNatsOptions() *NatsOptions {
	return &NatsOptions{
		URL:           "nats://localhost:4222",
		SubjectPrefix: "sensorhub",
		ReconnectWait: 2 * time.Second,
	}
}

func (o *NatsOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errors []error
	if o.URL == "" {
		errors = append(errors, fmt.Errorf("--nats.url must be set"))
	}
	if o.SubjectPrefix == "" {
		errors = append(errors, fmt.Errorf("--nats.subject-prefix must be set"))
	}
	return errors
}

func (o *NatsOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, join(prefixes, "nats.enabled"), o.Enabled, "Mirror bus events to NATS.")
	fs.StringVar(&o.URL, join(prefixes, "nats.url"), o.URL, "NATS server URL.")
	fs.StringVar(&o.SubjectPrefix, join(prefixes, "nats.subject-prefix"), o.SubjectPrefix, "Prefix of every NATS subject.")
	fs.DurationVar(&o.ReconnectWait, join(prefixes, "nats.reconnect-wait"), o.ReconnectWait, "Delay between NATS reconnect attempts.")
}
