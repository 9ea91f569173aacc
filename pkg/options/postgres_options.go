package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*PostgresOptions)(nil)

// PostgresOptions configures the database holding update session records.
type PostgresOptions struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            string        `json:"port" mapstructure:"port"`
	User            string        `json:"user" mapstructure:"user"`
	Password        string        `json:"password" mapstructure:"password"`
	Database        string        `json:"database" mapstructure:"database"`
	SSLMode         string        `json:"ssl-mode" mapstructure:"ssl-mode"`
	MaxConns        int32         `json:"max-conns" mapstructure:"max-conns"`
	MaxConnLifetime time.Duration `json:"max-conn-lifetime" mapstructure:"max-conn-lifetime"`
}

// NewPostgresOptions creates a PostgresOptions object with default parameters.
func NewPostgresOptions() *PostgresOptions {
	return &PostgresOptions{
		Host:            "localhost",
		Port:            "5432",
		User:            "sensorhub",
		Database:        "sensorhub",
		SSLMode:         "disable",
		MaxConns:        5,
		MaxConnLifetime: time.Hour,
	}
}

func (o *PostgresOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errors []error
	if o.Host == "" {
		errors = append(errors, fmt.Errorf("--postgres.host must be set"))
	}
	if o.Database == "" {
		errors = append(errors, fmt.Errorf("--postgres.database must be set"))
	}
	if o.MaxConns <= 0 {
		errors = append(errors, fmt.Errorf("--postgres.max-conns must be positive"))
	}
	return errors
}

func (o *PostgresOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, join(prefixes, "postgres.enabled"), o.Enabled, "Persist update sessions in PostgreSQL.")
	fs.StringVar(&o.Host, join(prefixes, "postgres.host"), o.Host, "PostgreSQL host.")
	fs.StringVar(&o.Port, join(prefixes, "postgres.port"), o.Port, "PostgreSQL port.")
	fs.StringVar(&o.User, join(prefixes, "postgres.user"), o.User, "PostgreSQL user.")
	fs.StringVar(&o.Password, join(prefixes, "postgres.password"), o.Password, "PostgreSQL password.")
	fs.StringVar(&o.Database, join(prefixes, "postgres.database"), o.Database, "PostgreSQL database name.")
	fs.StringVar(&o.SSLMode, join(prefixes, "postgres.ssl-mode"), o.SSLMode, "PostgreSQL sslmode.")
	fs.Int32Var(&o.MaxConns, join(prefixes, "postgres.max-conns"), o.MaxConns, "Maximum pool size.")
	fs.DurationVar(&o.MaxConnLifetime, join(prefixes, "postgres.max-conn-lifetime"), o.MaxConnLifetime, "Maximum lifetime of a pooled connection.")
}

// DSN renders the options as a keyword/value connection string.
func (o *PostgresOptions) DSN() string {
	parts := []string{}
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("host", o.Host)
	add("port", o.Port)
	add("user", o.User)
	add("password", o.Password)
	add("dbname", o.Database)
	add("sslmode", o.SSLMode)
	return strings.Join(parts, " ")
}
