package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

type message struct {
	topic   string
	retain  bool
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (f *fakePublisher) Publish(topic string, retain bool, payload []byte) {
	f.mu.Lock()
	f.msgs = append(f.msgs, message{topic, retain, string(payload)})
	f.mu.Unlock()
}

func TestMirrorOnline(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMirror(pub, "alarmme", "homeassistant", nil)

	m.Online(mode.Night)

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "homeassistant/sensor/alarmme/mode/config", pub.msgs[0].topic)
	assert.True(t, pub.msgs[0].retain)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(pub.msgs[0].payload), &cfg))
	assert.Equal(t, "alarmme/mode/state", cfg["state_topic"])
	assert.Equal(t, "alarmme/bridge/state", cfg["availability_topic"])
	assert.Equal(t, "alarmme_mode", cfg["unique_id"])

	assert.Equal(t, message{"alarmme/bridge/state", true, "online"}, pub.msgs[1])
	assert.Equal(t, message{"alarmme/mode/state", true, "night"}, pub.msgs[2])
}

func TestMirrorPublish(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMirror(pub, "alarmme", "homeassistant", nil)
	at := time.Date(2026, 4, 2, 3, 4, 5, 0, time.UTC)

	m.Publish(events.Event{Kind: events.KindPoll})
	m.Publish(events.Event{Kind: events.KindTriggered, SensorID: "binary_sensor.hall"})
	m.Publish(events.Event{Kind: events.KindModeChanged, Mode: "away", PrevMode: "off"})
	m.Publish(events.Event{
		Kind:      events.KindAlert,
		At:        at,
		SensorID:  "binary_sensor.hall",
		Name:      "Hall",
		Area:      "Hallway",
		Mode:      "away",
		Delivered: true,
	})

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, message{"alarmme/mode/state", true, "away"}, pub.msgs[0])

	alert := pub.msgs[1]
	assert.Equal(t, "alarmme/alert", alert.topic)
	assert.False(t, alert.retain)
	assert.JSONEq(t,
		`{"sensor_id":"binary_sensor.hall","name":"Hall","area":"Hallway","mode":"away","at":"2026-04-02T03:04:05Z","delivered":true}`,
		alert.payload)
}

func TestClientPublishBeforeConnectIsDropped(t *testing.T) {
	c := NewClient(testConfig(), nil)
	c.Publish("alarmme/mode/state", true, []byte("off"))
	c.Close()
}
