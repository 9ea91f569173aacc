package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/sensorhub/internal/sensorhub"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// ServerOptions is the configuration of `sensorhub serve`. The mapstructure
// keys mirror the flag prefixes so a config file and flags share one layout.
type ServerOptions struct {
	HttpOptions      *options.HttpOptions      `json:"http" mapstructure:"http"`
	GrpcOptions      *options.GrpcOptions      `json:"grpc" mapstructure:"grpc"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	S3Options        *options.S3Options        `json:"s3" mapstructure:"s3"`
	RedisOptions     *options.RedisOptions     `json:"redis" mapstructure:"redis"`
	PostgresOptions  *options.PostgresOptions  `json:"postgres" mapstructure:"postgres"`
	NatsOptions      *options.NatsOptions      `json:"nats" mapstructure:"nats"`
	OTAOptions       *options.OTAOptions       `json:"ota" mapstructure:"ota"`
	QueueOptions     *options.QueueOptions     `json:"queue" mapstructure:"queue"`
	DirectoryOptions *options.DirectoryOptions `json:"directory" mapstructure:"directory"`
	Log              *log.Options              `json:"log" mapstructure:"log"`
}

func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		HttpOptions:      options.NewHttpOptions(),
		GrpcOptions:      options.NewGrpcOptions(),
		MqttOptions:      options.NewMqttOptions(),
		S3Options:        options.NewS3Options(),
		RedisOptions:     options.NewRedisOptions(),
		PostgresOptions:  options.NewPostgresOptions(),
		NatsOptions:      options.NewNatsOptions(),
		OTAOptions:       options.NewOTAOptions(),
		QueueOptions:     options.NewQueueOptions(),
		DirectoryOptions: options.NewDirectoryOptions(),
		Log:              log.NewOptions(),
	}
}

func (o *ServerOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.GrpcOptions.AddFlags(fss.FlagSet("grpc"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.RedisOptions.AddFlags(fss.FlagSet("redis"))
	o.PostgresOptions.AddFlags(fss.FlagSet("postgres"))
	o.NatsOptions.AddFlags(fss.FlagSet("nats"))
	o.OTAOptions.AddFlags(fss.FlagSet("ota"))
	o.QueueOptions.AddFlags(fss.FlagSet("queue"))
	o.DirectoryOptions.AddFlags(fss.FlagSet("directory"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *ServerOptions) Complete() error {
	return nil
}

func (o *ServerOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.GrpcOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.RedisOptions.Validate()...)
	errs = append(errs, o.PostgresOptions.Validate()...)
	errs = append(errs, o.NatsOptions.Validate()...)
	errs = append(errs, o.OTAOptions.Validate()...)
	errs = append(errs, o.QueueOptions.Validate()...)
	errs = append(errs, o.DirectoryOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *ServerOptions) Config() (*sensorhub.Config, error) {
	return &sensorhub.Config{
		HttpOptions:      o.HttpOptions,
		GrpcOptions:      o.GrpcOptions,
		MqttOptions:      o.MqttOptions,
		S3Options:        o.S3Options,
		RedisOptions:     o.RedisOptions,
		PostgresOptions:  o.PostgresOptions,
		NatsOptions:      o.NatsOptions,
		OTAOptions:       o.OTAOptions,
		QueueOptions:     o.QueueOptions,
		DirectoryOptions: o.DirectoryOptions,
	}, nil
}
