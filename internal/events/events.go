// Package events carries what the monitor observes to the live dashboard,
// the MQTT mirror, the audit trail and the metrics collectors.
package events

import "time"

// Kind names an event type.
type Kind string

const (
	KindRegistered    Kind = "sensor_registered"
	KindTriggered     Kind = "sensor_triggered"
	KindAlert         Kind = "alert"
	KindModeChanged   Kind = "mode_changed"
	KindSensorUpdated Kind = "sensor_updated"
	KindPoll          Kind = "poll"
	KindPollFailed    Kind = "poll_failed"
)

// Event is one observation. Fields that do not apply to a kind are empty.
type Event struct {
	Kind     Kind      `json:"kind"`
	At       time.Time `json:"at"`
	SensorID string    `json:"sensor_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Area     string    `json:"area,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	PrevMode string    `json:"prev_mode,omitempty"`
	// Delivered is set on alert events.
	Delivered bool `json:"delivered,omitempty"`
	// Detail carries kind-specific extras (changed fields, counts, errors).
	Detail map[string]any `json:"detail,omitempty"`
}

// Sink receives events. Publish must not block for long; it runs on the
// poll loop or an HTTP handler goroutine.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Multi fans an event out to every non-nil sink in order.
type Multi []Sink

// Publish delivers e to each sink.
func (m Multi) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
