// Package monitor runs the poll loop: fetch every entity state from Home
// Assistant, register newly seen presence sensors, record triggers and raise
// alerts for sensors armed in the active mode.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/alert"
	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/hass"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

// StateSource provides the full entity state list.
type StateSource interface {
	States(ctx context.Context) ([]hass.State, error)
}

// Registry is the subset of registry.Registry used by the loop.
type Registry interface {
	Get(ctx context.Context, id string) (registry.Sensor, error)
	Upsert(ctx context.Context, s registry.Sensor) error
	RecordTrigger(ctx context.Context, id, observedAt string) error
}

// ModeState reports the active mode and ingests switch states seen in each
// poll. Generation is captured before the fetch so Observe can drop a
// snapshot that predates a completed mode change.
type ModeState interface {
	Current() mode.Mode
	Generation() uint64
	Observe(ctx context.Context, states map[string]string, gen uint64)
}

// Gate raises alerts.
type Gate interface {
	Raise(ctx context.Context, s registry.Sensor, m mode.Mode) (alert.Alert, bool)
}

// AreaResolver looks up area names for newly registered sensors.
type AreaResolver interface {
	Resolve(ctx context.Context, sensorID string) (string, bool)
}

// PollMarker persists the completion time of each poll.
type PollMarker interface {
	MarkPoll(t time.Time) error
}

// Config holds the loop timing.
type Config struct {
	// Interval between polls; 5s when zero.
	Interval time.Duration
	// ErrorBackoffFactor multiplies Interval after a failed cycle; 2 when
	// zero.
	ErrorBackoffFactor int
	// CameraMotionWindow is how recent a camera's last motion must be to
	// count as active; 60s when zero.
	CameraMotionWindow time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithAreaResolver enables area lookup on auto-registration.
func WithAreaResolver(r AreaResolver) Option { return func(l *Loop) { l.areas = r } }

// WithPollMarker persists "last poll completed at" after every cycle.
func WithPollMarker(m PollMarker) Option { return func(l *Loop) { l.marker = m } }

// WithSink publishes loop events.
func WithSink(s events.Sink) Option { return func(l *Loop) { l.sink = s } }

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Loop) { l.logger = lg } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// Status is a snapshot for the dashboard.
type Status struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	LastPoll  string `json:"last_poll,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Polls     int64  `json:"polls"`
}

// Loop is the Stopped -> Running -> Stopped poll scheduler.
type Loop struct {
	cfg    Config
	src    StateSource
	reg    Registry
	modes  ModeState
	gate   Gate
	areas  AreaResolver
	marker PollMarker
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time

	// cycleMu serialises cycles; prev is only touched under it.
	cycleMu sync.Mutex
	prev    map[string]string

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	lastPoll  time.Time
	lastErr   string
	polls     int64
}

// New creates a stopped Loop.
func New(src StateSource, reg Registry, modes ModeState, gate Gate, cfg Config, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ErrorBackoffFactor <= 0 {
		cfg.ErrorBackoffFactor = 2
	}
	if cfg.CameraMotionWindow <= 0 {
		cfg.CameraMotionWindow = 60 * time.Second
	}
	l := &Loop{
		cfg:   cfg,
		src:   src,
		reg:   reg,
		modes: modes,
		gate:  gate,
		sink:  events.Discard,
		now:   time.Now,
		prev:  make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Start launches the loop. Calling Start on a running loop is a no-op.
// The first poll runs immediately.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})

	l.logger.Info("monitor: started", slog.Duration("interval", l.cfg.Interval))
	go l.run(ctx, l.done)
}

// Stop cancels the pending wait and any in-flight poll, and returns once
// the loop goroutine has exited. No poll starts after Stop returns. Safe to
// call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.logger.Info("monitor: stopped")
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Status returns the current loop status.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		Running:   l.running,
		Connected: l.connected,
		LastError: l.lastErr,
		Polls:     l.polls,
	}
	if !l.lastPoll.IsZero() {
		st.LastPoll = l.lastPoll.UTC().Format(time.RFC3339)
	}
	return st
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := l.cfg.Interval
		if err := l.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait *= time.Duration(l.cfg.ErrorBackoffFactor)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PollOnce runs a single cycle. It returns an error when the state fetch
// failed or the cycle panicked; per-entity failures are logged and do not
// fail the cycle.
func (l *Loop) PollOnce(ctx context.Context) (err error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: cycle panic: %v", r)
			l.logger.Error("monitor: cycle panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			l.fail(err)
		}
	}()

	gen := l.modes.Generation()
	states, err := l.src.States(ctx)
	if err != nil {
		err = fmt.Errorf("monitor: fetch states: %w", err)
		if ctx.Err() == nil {
			l.logger.Warn("monitor: state fetch failed; skipping cycle", slog.Any("error", err))
			l.fail(err)
		}
		return err
	}

	snapshot := make(map[string]string, len(states))
	for _, st := range states {
		snapshot[st.EntityID] = st.State
	}
	l.modes.Observe(ctx, snapshot, gen)
	current := l.modes.Current()

	var sensors, active, alerts int
	for _, st := range states {
		res := l.processSafely(ctx, st, current)
		if res.qualifying {
			sensors++
		}
		if res.active {
			active++
		}
		if res.alerted {
			alerts++
		}
	}

	finished := l.now()
	if l.marker != nil {
		if err := l.marker.MarkPoll(finished); err != nil {
			l.logger.Warn("monitor: persist last poll time failed", slog.Any("error", err))
		}
	}

	l.mu.Lock()
	l.connected = true
	l.lastPoll = finished
	l.lastErr = ""
	l.polls++
	l.mu.Unlock()

	l.logger.Debug("monitor: poll complete",
		slog.Int("sensors", sensors),
		slog.Int("active", active),
		slog.Int("alerts", alerts),
		slog.String("mode", current.String()),
	)
	l.sink.Publish(events.Event{
		Kind: events.KindPoll,
		At:   finished.UTC(),
		Mode: current.String(),
		Detail: map[string]any{
			"sensors": sensors,
			"active":  active,
			"alerts":  alerts,
		},
	})
	return nil
}

func (l *Loop) fail(err error) {
	l.mu.Lock()
	l.connected = false
	l.lastErr = err.Error()
	l.mu.Unlock()
	l.sink.Publish(events.Event{
		Kind:   events.KindPollFailed,
		At:     l.now().UTC(),
		Detail: map[string]any{"error": err.Error()},
	})
}

type result struct {
	qualifying bool
	active     bool
	alerted    bool
}

func (l *Loop) processSafely(ctx context.Context, st hass.State, current mode.Mode) (res result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("monitor: entity processing panicked",
				slog.String("entity_id", st.EntityID), slog.Any("panic", r))
		}
	}()
	return l.process(ctx, st, current)
}

func (l *Loop) process(ctx context.Context, st hass.State, current mode.Mode) result {
	obs, ok := l.classify(st)
	if !ok {
		return result{}
	}
	res := result{qualifying: true, active: obs.active}

	prev := l.prev[st.EntityID]
	defer func() { l.prev[st.EntityID] = obs.state }()

	sensor, err := l.reg.Get(ctx, st.EntityID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		sensor = l.register(ctx, st, obs.class)
	case err != nil:
		// The registry already logged; without the flags the sensor cannot
		// be gated this cycle.
		return res
	}

	if !obs.active {
		return res
	}

	if prev != "on" {
		l.logger.Info("monitor: sensor triggered",
			slog.String("entity_id", sensor.ID),
			slog.String("name", sensor.DisplayName()),
			slog.String("previous", prev),
		)
	}

	if err := l.reg.RecordTrigger(ctx, sensor.ID, obs.changedAt); err == nil {
		sensor.LastTriggeredAt = obs.changedAt
	}
	l.sink.Publish(events.Event{
		Kind:     events.KindTriggered,
		At:       l.now().UTC(),
		SensorID: sensor.ID,
		Name:     sensor.DisplayName(),
		Area:     sensor.Area,
		Mode:     current.String(),
		Detail:   map[string]any{"last_changed": obs.changedAt},
	})

	if current == mode.Off || !sensor.Modes.Enabled(current) {
		return res
	}

	a, delivered := l.gate.Raise(ctx, sensor, current)
	res.alerted = true
	l.sink.Publish(events.Event{
		Kind:      events.KindAlert,
		At:        l.now().UTC(),
		SensorID:  sensor.ID,
		Name:      a.Name,
		Area:      a.Area,
		Mode:      current.String(),
		Delivered: delivered,
		Detail:    map[string]any{"message": a.Message},
	})
	return res
}

// register auto-creates a sensor with every mode flag off. A failed write
// still returns the in-memory record so the cycle can continue.
func (l *Loop) register(ctx context.Context, st hass.State, class registry.DeviceClass) registry.Sensor {
	s := registry.Sensor{
		ID:          st.EntityID,
		Name:        st.Attr("friendly_name"),
		DeviceClass: class,
	}
	if s.Name == "" {
		s.Name = st.EntityID
	}
	if l.areas != nil {
		s.Area, _ = l.areas.Resolve(ctx, st.EntityID)
	}
	if err := l.reg.Upsert(ctx, s); err != nil {
		return s
	}
	l.logger.Info("monitor: registered new sensor",
		slog.String("entity_id", s.ID),
		slog.String("device_class", string(class)),
		slog.String("area", s.Area),
	)
	l.sink.Publish(events.Event{
		Kind:     events.KindRegistered,
		At:       l.now().UTC(),
		SensorID: s.ID,
		Name:     s.Name,
		Area:     s.Area,
	})
	return s
}

type observation struct {
	class     registry.DeviceClass
	state     string
	active    bool
	changedAt string
}

// classify decides whether st is a qualifying sensor and whether it is
// active. Cameras exposing a last-motion timestamp are treated as "moving"
// sensors that are on while the motion is recent.
func (l *Loop) classify(st hass.State) (observation, bool) {
	if st.Domain() == "camera" {
		for _, key := range []string{"last_motion", "last_motion_time"} {
			raw := st.Attr(key)
			if raw == "" {
				continue
			}
			t, ok := parseMotionTime(raw)
			if !ok {
				continue
			}
			obs := observation{class: registry.ClassMoving, state: "off"}
			if age := l.now().Sub(t); age >= 0 && age <= l.cfg.CameraMotionWindow {
				obs.state, obs.active, obs.changedAt = "on", true, raw
			}
			return obs, true
		}
		return observation{}, false
	}

	class := strings.ToLower(st.Attr("device_class"))
	if !registry.Qualifies(class) {
		return observation{}, false
	}
	state := strings.ToLower(st.State)
	obs := observation{class: registry.DeviceClass(class), state: state}
	if state == "on" || state == "true" {
		obs.state, obs.active, obs.changedAt = "on", true, st.LastChanged
	}
	return obs, true
}

func parseMotionTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))), true
	}
	return time.Time{}, false
}
