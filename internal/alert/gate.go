// Package alert turns a triggered, armed sensor into notifications.
//
// Delivery is best-effort: every target is attempted independently with its
// own timeout, and an alert counts as delivered when at least one target
// accepted it.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/hass"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

// PersistentTarget names the Home Assistant notification drawer in logs
// and metrics.
const PersistentTarget = "persistent_notification"

// DisarmAction is the actionable-notification identifier attached to push
// alerts.
const DisarmAction = "ALARMME_DISARM"

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, service string, n hass.Notification) error
	PersistentNotification(ctx context.Context, n hass.Notification) error
	NotifyServices(ctx context.Context) ([]string, error)
}

// AreaResolver looks up a sensor's area name.
type AreaResolver interface {
	Resolve(ctx context.Context, sensorID string) (string, bool)
}

// Config controls targets and pacing.
type Config struct {
	// Services are notify service names. Empty means every mobile_app_*
	// service Home Assistant reports at send time.
	Services []string
	// Persistent also posts to the notification drawer.
	Persistent bool
	// Title prefix, "AlarmMe" when empty.
	Title string
	// SendTimeout bounds each individual send and the area lookup.
	SendTimeout time.Duration
	// SuppressionWindow, when positive, drops repeat alerts for the same
	// sensor raised within the window. Zero alerts on every call.
	SuppressionWindow time.Duration
}

// Alert is the rendered notification for one trigger.
type Alert struct {
	SensorID string
	Name     string
	Area     string
	Mode     mode.Mode
	Title    string
	Message  string
}

// Build renders the alert for s while m is armed. area may be empty.
func Build(s registry.Sensor, area string, m mode.Mode, title string) Alert {
	if title == "" {
		title = "AlarmMe"
	}
	where := area
	if where == "" {
		where = "area unknown"
	}
	return Alert{
		SensorID: s.ID,
		Name:     s.DisplayName(),
		Area:     area,
		Mode:     m,
		Title:    fmt.Sprintf("%s: %s mode", title, m),
		Message:  fmt.Sprintf("%s detected by %s (%s)", describe(s.DeviceClass), s.DisplayName(), where),
	}
}

func describe(c registry.DeviceClass) string {
	switch c {
	case registry.ClassOccupancy:
		return "Occupancy"
	case registry.ClassPresence:
		return "Presence"
	default:
		return "Motion"
	}
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithFailureHook registers fn to be called for each failed send.
func WithFailureHook(fn func(target string)) Option { return func(g *Gate) { g.onFailure = fn } }

// WithClock overrides the clock used by the suppression window.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// Gate dispatches alerts.
type Gate struct {
	notifier  Notifier
	areas     AreaResolver
	cfg       Config
	logger    *slog.Logger
	onFailure func(string)
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewGate returns a Gate. areas may be nil.
func NewGate(n Notifier, areas AreaResolver, cfg Config, opts ...Option) *Gate {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 3 * time.Second
	}
	g := &Gate{
		notifier: n,
		areas:    areas,
		cfg:      cfg,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Raise notifies every target about s triggering while m is armed and
// reports whether at least one target accepted the alert. It also returns
// the rendered alert.
func (g *Gate) Raise(ctx context.Context, s registry.Sensor, m mode.Mode) (Alert, bool) {
	area := s.Area
	if area == "" && g.areas != nil {
		area, _ = g.areas.Resolve(ctx, s.ID)
	}
	a := Build(s, area, m, g.cfg.Title)

	if g.suppressed(s.ID) {
		g.logger.Debug("alert: suppressed", slog.String("sensor_id", s.ID))
		return a, false
	}

	n := hass.Notification{
		Message: a.Message,
		Title:   a.Title,
		Data: map[string]any{
			"actions": []map[string]string{{"action": DisarmAction, "title": "Disarm"}},
			"tag":     "alarmme-" + s.ID,
		},
	}
	delivered := g.send(ctx, n)

	if delivered {
		g.markDelivered(s.ID)
		g.logger.Info("alert: delivered",
			slog.String("sensor_id", s.ID),
			slog.String("mode", m.String()),
			slog.String("area", area),
		)
	} else {
		g.logger.Error("alert: no target accepted the alert",
			slog.String("sensor_id", s.ID),
			slog.String("mode", m.String()),
		)
	}
	return a, delivered
}

// Announce sends an informational message (no actions) to every target.
func (g *Gate) Announce(ctx context.Context, message string) bool {
	title := g.cfg.Title
	if title == "" {
		title = "AlarmMe"
	}
	return g.send(ctx, hass.Notification{Message: message, Title: title})
}

func (g *Gate) send(ctx context.Context, n hass.Notification) bool {
	delivered := false
	for _, svc := range g.targets(ctx) {
		if g.attempt(ctx, svc, func(ctx context.Context) error {
			return g.notifier.Notify(ctx, svc, n)
		}) {
			delivered = true
		}
	}
	if g.cfg.Persistent {
		if g.attempt(ctx, PersistentTarget, func(ctx context.Context) error {
			return g.notifier.PersistentNotification(ctx, n)
		}) {
			delivered = true
		}
	}
	return delivered
}

func (g *Gate) attempt(ctx context.Context, target string, fn func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		g.logger.Warn("alert: send failed", slog.String("target", target), slog.Any("error", err))
		if g.onFailure != nil {
			g.onFailure(target)
		}
		return false
	}
	return true
}

func (g *Gate) targets(ctx context.Context) []string {
	if len(g.cfg.Services) > 0 {
		return g.cfg.Services
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()
	svcs, err := g.notifier.NotifyServices(ctx)
	if err != nil {
		g.logger.Warn("alert: notify service discovery failed", slog.Any("error", err))
		return nil
	}
	return svcs
}

// suppressed reports whether sensorID had an alert delivered within the
// suppression window. Failed sends leave no mark.
func (g *Gate) suppressed(sensorID string) bool {
	if g.cfg.SuppressionWindow <= 0 {
		return false
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastSent[sensorID]
	return ok && now.Sub(last) < g.cfg.SuppressionWindow
}

func (g *Gate) markDelivered(sensorID string) {
	if g.cfg.SuppressionWindow <= 0 {
		return
	}
	now := g.now()
	g.mu.Lock()
	g.lastSent[sensorID] = now
	g.mu.Unlock()
}
