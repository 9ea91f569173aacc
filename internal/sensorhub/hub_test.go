package sensorhub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/pkg/options"
)

func defaultConfig() *Config {
	return &Config{
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
	}
}

func TestNewHubInMemory(t *testing.T) {
	h, err := defaultConfig().NewHub(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.servers)
	// directory, health checker, orchestrator, redeliverer, mqtt, http, grpc
	assert.Len(t, h.servers.Servers(), 7)
	h.close()
}

func TestNewHubRejectsUnknownEncoding(t *testing.T) {
	cfg := defaultConfig()
	cfg.MqttOptions.Encoding = "xml"
	_, err := cfg.NewHub(context.Background())
	assert.Error(t, err)
}
