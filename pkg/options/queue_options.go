package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*QueueOptions)(nil)

// QueueOptions configures redelivery of queued device messages.
type QueueOptions struct {
	SweepInterval time.Duration `json:"sweep-interval" mapstructure:"sweep-interval"`
	RetryInterval time.Duration `json:"retry-interval" mapstructure:"retry-interval"`
	MaxInterval   time.Duration `json:"max-interval" mapstructure:"max-interval"`
	MaxRetries    int           `json:"max-retries" mapstructure:"max-retries"`
	BatchSize     int           `json:"batch-size" mapstructure:"batch-size"`
}

// NewQueueOptions creates a QueueOptions object with default parameters.
func NewQueueOptions() *QueueOptions {
	return &QueueOptions{
		SweepInterval: 10 * time.Second,
		RetryInterval: 60 * time.Second,
		MaxInterval:   30 * time.Minute,
		MaxRetries:    5,
		BatchSize:     500,
	}
}

func (o *QueueOptions) Validate() []error {
	var errors []error

	if o.SweepInterval <= 0 {
		errors = append(errors, fmt.Errorf("--queue.sweep-interval must be positive"))
	}
	if o.RetryInterval <= 0 {
		errors = append(errors, fmt.Errorf("--queue.retry-interval must be positive"))
	}
	if o.MaxInterval < o.RetryInterval {
		errors = append(errors, fmt.Errorf("--queue.max-interval must not be below --queue.retry-interval"))
	}
	if o.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("--queue.max-retries must not be negative"))
	}
	if o.BatchSize <= 0 {
		errors = append(errors, fmt.Errorf("--queue.batch-size must be positive"))
	}

	return errors
}

func (o *QueueOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.SweepInterval, join(prefixes, "queue.sweep-interval"), o.SweepInterval, "How often queued messages are retried.")
	fs.DurationVar(&o.RetryInterval, join(prefixes, "queue.retry-interval"), o.RetryInterval, "Initial delay before a queued message is retried.")
	fs.DurationVar(&o.MaxInterval, join(prefixes, "queue.max-interval"), o.MaxInterval, "Upper bound of the retry delay.")
	fs.IntVar(&o.MaxRetries, join(prefixes, "queue.max-retries"), o.MaxRetries, "Attempts before a queued message is marked failed.")
	fs.IntVar(&o.BatchSize, join(prefixes, "queue.batch-size"), o.BatchSize, "Maximum queued messages handled per sweep.")
}
