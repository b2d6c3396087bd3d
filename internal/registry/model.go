// Package registry persists the sensors known to the alarm: identity,
// display metadata, per-mode enablement and the last trigger time.
//
// Two Store implementations are provided: SQLiteStore (the default, a single
// file under the add-on data directory) and PostgresStore. Registry wraps
// either with bounded retry on lock contention and failure logging, and is
// the type the rest of the process talks to.
package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

// ErrNotFound is returned when an operation targets an unknown sensor ID.
var ErrNotFound = errors.New("registry: sensor not found")

// DeviceClass is the kind of presence a sensor reports.
type DeviceClass string

const (
	ClassMotion    DeviceClass = "motion"
	ClassMoving    DeviceClass = "moving"
	ClassOccupancy DeviceClass = "occupancy"
	ClassPresence  DeviceClass = "presence"
)

// Qualifies reports whether class can indicate an intrusion.
func Qualifies(class string) bool {
	switch DeviceClass(strings.ToLower(class)) {
	case ClassMotion, ClassMoving, ClassOccupancy, ClassPresence:
		return true
	}
	return false
}

// Sensor is one monitored entity.
type Sensor struct {
	ID          string      `json:"entity_id"`
	Name        string      `json:"name"`
	DeviceClass DeviceClass `json:"device_class"`
	// Area is the human area label; empty means unknown.
	Area  string     `json:"area,omitempty"`
	Modes mode.Flags `json:"modes"`
	// LastTriggeredAt is stored verbatim as reported by Home Assistant
	// (or generated in RFC 3339 UTC when no authoritative time exists).
	LastTriggeredAt string    `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DisplayName returns Name, falling back to the entity ID.
func (s Sensor) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
