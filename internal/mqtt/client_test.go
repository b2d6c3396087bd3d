package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wargotik/wargot-ha-addons/internal/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:   true,
		Host:      "broker.local",
		Port:      1883,
		Username:  "alarm",
		Password:  "secret",
		ClientID:  "alarmme",
		BaseTopic: "alarmme",
	}
}

func TestClientOptions(t *testing.T) {
	c := NewClient(testConfig(), nil)
	opts := c.options(nil)

	assert.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())
	assert.Equal(t, "alarmme", opts.ClientID)
	assert.Equal(t, "alarm", opts.Username)
	assert.True(t, opts.WillEnabled)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, "alarmme/bridge/state", opts.WillTopic)
	assert.Equal(t, []byte(PayloadOffline), opts.WillPayload)
	assert.True(t, opts.AutoReconnect)
}
