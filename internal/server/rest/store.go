package rest

import (
	"context"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/monitor"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

// Registry is the subset of registry.Registry used by the handlers, so they
// can be tested without a database.
type Registry interface {
	List(ctx context.Context) ([]registry.Sensor, error)
	Get(ctx context.Context, id string) (registry.Sensor, error)
	SetModeEnabled(ctx context.Context, id string, m mode.Mode, enabled bool) error
	SetArea(ctx context.Context, id, area string) error
	Delete(ctx context.Context, id string) error
}

// Modes is the subset of mode.Switches used by the handlers.
type Modes interface {
	Current() mode.Mode
	States() map[mode.Mode]bool
	Specs() []mode.Switch
	Local() bool
	Set(ctx context.Context, m mode.Mode) error
}

// Monitor reports poll loop health.
type Monitor interface {
	Status() monitor.Status
}

// PollClock reports the persisted time of the last successful poll.
type PollClock interface {
	LastPoll() (time.Time, bool, error)
}
