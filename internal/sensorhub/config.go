package sensorhub

import (
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// Config carries every option group the hub is built from.
type Config struct {
	HttpOptions      *options.HttpOptions
	GrpcOptions      *options.GrpcOptions
	MqttOptions      *options.MqttOptions
	S3Options        *options.S3Options
	RedisOptions     *options.RedisOptions
	PostgresOptions  *options.PostgresOptions
	NatsOptions      *options.NatsOptions
	OTAOptions       *options.OTAOptions
	QueueOptions     *options.QueueOptions
	DirectoryOptions *options.DirectoryOptions
}
