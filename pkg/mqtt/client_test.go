package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicsMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sensors/v1/uplink/+", "sensors/v1/uplink/dev-1", true},
		{"sensors/v1/uplink/+", "sensors/v1/uplink/dev-1/extra", false},
		{"sensors/v1/#", "sensors/v1/presence/dev-1", true},
		{"sensors/v1/uplink/dev-1", "sensors/v1/uplink/dev-1", true},
		{"sensors/v1/uplink/dev-1", "sensors/v1/uplink/dev-2", false},
		{"sensors/+/uplink/+", "sensors/v2/uplink/x", true},
		{"sensors/v1/uplink/+", "sensors/v1/uplink", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, topicsMatch(tt.filter, tt.topic))
		})
	}
}

func TestTopicFilterStripsSharedPrefix(t *testing.T) {
	assert.Equal(t, "sensors/v1/uplink/+", topicFilter("$share/sensorhub/sensors/v1/uplink/+"))
	assert.Equal(t, "sensors/v1/uplink/+", topicFilter("sensors/v1/uplink/+"))
}

func TestClientConfigValidate(t *testing.T) {
	cfg := &ClientConfig{BrokerURL: "tcp://localhost:1883", ClientID: "hub"}
	setDefaultConfig(cfg)
	assert.NoError(t, cfg.Validate())
	assert.EqualValues(t, 60, cfg.KeepAlive)
	assert.NotZero(t, cfg.ReconnectInterval)

	assert.Error(t, (&ClientConfig{ClientID: "hub"}).Validate())
	assert.Error(t, (&ClientConfig{BrokerURL: "localhost", ClientID: "hub"}).Validate())
	assert.Error(t, (&ClientConfig{BrokerURL: "tcp://localhost:1883"}).Validate())
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://localhost:1883", ClientID: "hub"})
	assert.NoError(t, err)
	assert.False(t, c.IsConnected())
}
