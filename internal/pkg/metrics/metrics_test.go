package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathers(t *testing.T) {
	MessagesSentTotal.WithLabelValues("mqtt", "success").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(MessagesSentTotal.WithLabelValues("mqtt", "success")), 1.0)

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["sensorhub_messages_sent_total"])
	assert.True(t, names["go_goroutines"])
}
