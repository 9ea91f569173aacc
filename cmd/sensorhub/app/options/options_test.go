package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	o := NewServerOptions()
	require.NoError(t, o.Complete())
	assert.NoError(t, o.Validate())

	cfg, err := o.Config()
	require.NoError(t, err)
	assert.Same(t, o.OTAOptions, cfg.OTAOptions)
}

func TestValidateAggregates(t *testing.T) {
	o := NewServerOptions()
	o.HttpOptions.Addr = "nope"
	o.Log.Format = "xml"

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Contains(t, err.Error(), "--log.format")
}

func TestFlagsAreGrouped(t *testing.T) {
	fss := NewServerOptions().Flags()
	for _, name := range []string{"http", "mqtt", "redis", "postgres", "ota", "queue", "log"} {
		assert.Contains(t, fss.Order, name)
	}
	assert.NotNil(t, fss.FlagSet("mqtt").Lookup("mqtt.broker"))
	assert.NotNil(t, fss.FlagSet("queue").Lookup("queue.max-retries"))
}
