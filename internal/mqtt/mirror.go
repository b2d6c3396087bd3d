// Package mqtt mirrors the alarm state onto an MQTT broker: bridge
// availability, the current mode, alert payloads and a Home Assistant
// discovery document for the mode sensor.
package mqtt

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

// Publisher sends one message. Implementations must not block for long.
type Publisher interface {
	Publish(topic string, retain bool, payload []byte)
}

// Mirror implements events.Sink on top of a Publisher.
type Mirror struct {
	pub       Publisher
	base      string
	discovery string
	logger    *slog.Logger
}

// NewMirror creates a Mirror publishing under base. discoveryPrefix is the
// Home Assistant discovery prefix, usually "homeassistant".
func NewMirror(pub Publisher, base, discoveryPrefix string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, base: base, discovery: discoveryPrefix, logger: logger}
}

func (m *Mirror) ModeStateTopic() string   { return m.base + "/mode/state" }
func (m *Mirror) AlertTopic() string       { return m.base + "/alert" }
func (m *Mirror) BridgeStateTopic() string { return bridgeStateTopic(m.base) }

// DiscoveryTopic is where the mode sensor's discovery config is retained.
func (m *Mirror) DiscoveryTopic() string {
	return m.discovery + "/sensor/" + m.base + "/mode/config"
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Icon              string          `json:"icon"`
	Device            discoveryDevice `json:"device"`
}

// alertPayload is published on AlertTopic.
type alertPayload struct {
	SensorID  string    `json:"sensor_id"`
	Name      string    `json:"name"`
	Area      string    `json:"area,omitempty"`
	Mode      string    `json:"mode"`
	At        time.Time `json:"at"`
	Delivered bool      `json:"delivered"`
}

// Online announces the bridge, (re)publishes discovery and the current
// mode. It is called after every broker connect.
func (m *Mirror) Online(current mode.Mode) {
	cfg := discoveryConfig{
		Name:              "AlarmMe mode",
		UniqueID:          m.base + "_mode",
		StateTopic:        m.ModeStateTopic(),
		AvailabilityTopic: m.BridgeStateTopic(),
		Icon:              "mdi:shield-home",
		Device: discoveryDevice{
			Identifiers:  []string{m.base},
			Name:         "AlarmMe",
			Manufacturer: "wargot",
		},
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		m.logger.Error("mqtt: marshal discovery", slog.Any("error", err))
		return
	}
	m.pub.Publish(m.DiscoveryTopic(), true, raw)
	m.pub.Publish(m.BridgeStateTopic(), true, []byte(PayloadOnline))
	m.pub.Publish(m.ModeStateTopic(), true, []byte(current.String()))
}

// Publish implements events.Sink.
func (m *Mirror) Publish(e events.Event) {
	switch e.Kind {
	case events.KindModeChanged:
		m.pub.Publish(m.ModeStateTopic(), true, []byte(e.Mode))
	case events.KindAlert:
		raw, err := json.Marshal(alertPayload{
			SensorID:  e.SensorID,
			Name:      e.Name,
			Area:      e.Area,
			Mode:      e.Mode,
			At:        e.At,
			Delivered: e.Delivered,
		})
		if err != nil {
			m.logger.Error("mqtt: marshal alert", slog.Any("error", err))
			return
		}
		m.pub.Publish(m.AlertTopic(), false, raw)
	}
}
