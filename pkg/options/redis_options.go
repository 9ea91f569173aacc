package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RedisOptions)(nil)

// RedisOptions configures the Redis instance backing the durable message queue.
type RedisOptions struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key-prefix" mapstructure:"key-prefix"`
}

// NewRedisOptions creates a RedisOptions object with default parameters.
func NewRedisOptions() *RedisOptions {
	return &RedisOptions{
		Addr:      "localhost:6379",
		KeyPrefix: "sensorhub",
	}
}

func (o *RedisOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errors []error
	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}
	if o.DB < 0 {
		errors = append(errors, fmt.Errorf("--redis.db must not be negative"))
	}
	return errors
}

func (o *RedisOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, join(prefixes, "redis.enabled"), o.Enabled, "Persist undeliverable messages in Redis.")
	fs.StringVar(&o.Addr, join(prefixes, "redis.addr"), o.Addr, "Redis server address.")
	fs.StringVar(&o.Password, join(prefixes, "redis.password"), o.Password, "Redis password.")
	fs.IntVar(&o.DB, join(prefixes, "redis.db"), o.DB, "Redis database number.")
	fs.StringVar(&o.KeyPrefix, join(prefixes, "redis.key-prefix"), o.KeyPrefix, "Prefix of every Redis key written by the hub.")
}
