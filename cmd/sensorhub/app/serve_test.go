package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/cmd/sensorhub/app/options"
)

const testConfig = `
mqtt:
  broker: tcp://broker.internal:1883
  encoding: cbor
ota:
  chunk-size: 1024
  prepare-timeout: 30s
directory:
  devices:
    - id: dev-1
      type: THERMOSTAT
      firmware-version: 1.2.0
      preferred-channels: [MQTT]
log:
  level: debug
`

func bindServerOptions(t *testing.T, opts *options.ServerOptions) (*viper.Viper, *pflag.FlagSet) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	for _, f := range opts.Flags().FlagSets {
		fs.AddFlagSet(f)
	}
	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v, fs
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	opts := options.NewServerOptions()
	v, _ := bindServerOptions(t, opts)
	require.NoError(t, loadConfig(v, path, opts))

	assert.Equal(t, "tcp://broker.internal:1883", opts.MqttOptions.Broker)
	assert.Equal(t, "cbor", opts.MqttOptions.Encoding)
	assert.Equal(t, 1024, opts.OTAOptions.ChunkSize)
	assert.Equal(t, 30*time.Second, opts.OTAOptions.PrepareTimeout)
	assert.Equal(t, "debug", opts.Log.Level)
	require.Len(t, opts.DirectoryOptions.Devices, 1)
	assert.Equal(t, "THERMOSTAT", opts.DirectoryOptions.Devices[0].Type)
	assert.Equal(t, []string{"MQTT"}, opts.DirectoryOptions.Devices[0].PreferredChannels)

	// Untouched keys keep their defaults.
	assert.Equal(t, "sensors/v1", opts.MqttOptions.TopicRoot)
	assert.NoError(t, opts.Validate())
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensorhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	opts := options.NewServerOptions()
	v, fs := bindServerOptions(t, opts)
	require.NoError(t, fs.Parse([]string{"--ota.chunk-size=2048"}))
	require.NoError(t, loadConfig(v, path, opts))

	assert.Equal(t, 2048, opts.OTAOptions.ChunkSize)
	assert.Equal(t, "cbor", opts.MqttOptions.Encoding)
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := options.NewServerOptions()
	v, _ := bindServerOptions(t, opts)
	err := loadConfig(v, filepath.Join(t.TempDir(), "absent.yaml"), opts)
	assert.Error(t, err)
}

func TestServeRejectsInvalidOptions(t *testing.T) {
	_, err := execute(t, "serve", "--mqtt.encoding=xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.encoding")
}
