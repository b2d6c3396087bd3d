// Package mode models the arming posture of the alarm: a closed set of
// modes, the per-sensor enablement flags keyed by those modes, and the
// switch-backed store that decides which single mode is active.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the single active arming posture.
type Mode int

const (
	Off Mode = iota
	Away
	Night
	Perimeter
)

// Armed lists the arming modes in precedence order. When more than one
// underlying switch is on, the first of these wins.
var Armed = [...]Mode{Away, Night, Perimeter}

func (m Mode) String() string {
	switch m {
	case Away:
		return "away"
	case Night:
		return "night"
	case Perimeter:
		return "perimeter"
	default:
		return "off"
	}
}

// Parse converts a mode name (case-insensitive) into a Mode.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return Off, nil
	case "away":
		return Away, nil
	case "night":
		return Night, nil
	case "perimeter":
		return Perimeter, nil
	}
	return Off, fmt.Errorf("mode: unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler so modes travel as names in
// JSON bodies and map keys.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Resolve picks the winning mode from a set of switch states using the
// Armed precedence. It never fails: no switch on means Off.
func Resolve(on map[Mode]bool) Mode {
	for _, m := range Armed {
		if on[m] {
			return m
		}
	}
	return Off
}

// Flags holds a sensor's per-mode enablement. The zero value is fully
// disarmed.
type Flags struct {
	Away      bool `json:"away"`
	Night     bool `json:"night"`
	Perimeter bool `json:"perimeter"`
}

// Enabled reports whether the sensor participates in m. Off is never
// enabled.
func (f Flags) Enabled(m Mode) bool {
	switch m {
	case Away:
		return f.Away
	case Night:
		return f.Night
	case Perimeter:
		return f.Perimeter
	}
	return false
}

// Set updates the flag for m. Setting Off is a no-op.
func (f *Flags) Set(m Mode, enabled bool) {
	switch m {
	case Away:
		f.Away = enabled
	case Night:
		f.Night = enabled
	case Perimeter:
		f.Perimeter = enabled
	}
}

// Switch describes the external boolean entity backing one arming mode.
type Switch struct {
	Mode     Mode
	EntityID string
	Name     string
	Icon     string
}

// DefaultSwitches returns the switch set published by the add-on. An empty
// entity ID for a mode leaves that mode out.
func DefaultSwitches(away, night, perimeter string) []Switch {
	all := []Switch{
		{Mode: Away, EntityID: away, Name: "AlarmMe Away Mode", Icon: "mdi:shield-home"},
		{Mode: Night, EntityID: night, Name: "AlarmMe Night Mode", Icon: "mdi:weather-night"},
		{Mode: Perimeter, EntityID: perimeter, Name: "AlarmMe Perimeter Mode", Icon: "mdi:fence"},
	}
	out := all[:0]
	for _, sw := range all {
		if sw.EntityID != "" {
			out = append(out, sw)
		}
	}
	return out
}
