package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPartialTransition is returned by Switches.Set when at least one switch
// write failed. The cached state reflects only the writes that succeeded.
var ErrPartialTransition = errors.New("mode: partial transition")

// Writer drives the external switch entities.
type Writer interface {
	TurnSwitch(ctx context.Context, entityID string, on bool) error
}

// Mirror persists switch states locally, keyed by mode name.
type Mirror interface {
	LoadSwitches() (map[string]bool, error)
	SaveSwitches(states map[string]bool) error
}

// Option configures a Switches store.
type Option func(*Switches)

// WithWriter sets the external switch writer. Without one the store runs
// in local-only mode: Set updates the mirror and nothing else.
func WithWriter(w Writer) Option { return func(s *Switches) { s.writer = w } }

// WithMirror sets the local persistence for switch states.
func WithMirror(m Mirror) Option { return func(s *Switches) { s.mirror = m } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Switches) { s.logger = l } }

// WithOnChange registers fn to be called after the resolved mode changes.
// fn runs synchronously on the goroutine that caused the change.
func WithOnChange(fn func(prev, next Mode)) Option {
	return func(s *Switches) { s.onChange = fn }
}

// Switches is the process-wide mode state. It caches the on/off value of
// each configured switch; Current resolves that cache without I/O.
type Switches struct {
	specs    []Switch
	writer   Writer
	mirror   Mirror
	logger   *slog.Logger
	onChange func(prev, next Mode)

	// setMu serialises Set and Observe so two concurrent transitions cannot
	// interleave their off/on writes.
	setMu sync.Mutex
	gen   atomic.Uint64

	mu       sync.RWMutex
	on       map[Mode]bool
	conflict bool
}

// NewSwitches creates a store for the given switch set. All switches start
// off until Load or Observe says otherwise.
func NewSwitches(specs []Switch, opts ...Option) *Switches {
	s := &Switches{
		specs: specs,
		on:    make(map[Mode]bool, len(specs)),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Specs returns the configured switch set.
func (s *Switches) Specs() []Switch {
	out := make([]Switch, len(s.specs))
	copy(out, s.specs)
	return out
}

// Local reports whether the store has no external writer.
func (s *Switches) Local() bool { return s.writer == nil }

// Load restores the cached states from the mirror. A missing mirror is not
// an error.
func (s *Switches) Load() error {
	if s.mirror == nil {
		return nil
	}
	saved, err := s.mirror.LoadSwitches()
	if err != nil {
		return fmt.Errorf("mode: load mirror: %w", err)
	}
	s.mu.Lock()
	for _, sw := range s.specs {
		if v, ok := saved[sw.Mode.String()]; ok {
			s.on[sw.Mode] = v
		}
	}
	s.checkConflictLocked()
	s.mu.Unlock()

	s.logger.Info("mode: restored switch states", slog.String("mode", s.Current().String()))
	return nil
}

// Current returns the active mode. It only reads the cache.
func (s *Switches) Current() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Resolve(s.on)
}

// States returns a copy of the cached switch states.
func (s *Switches) States() map[Mode]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Mode]bool, len(s.specs))
	for _, sw := range s.specs {
		out[sw.Mode] = s.on[sw.Mode]
	}
	return out
}

// Generation returns a counter that every Set advances. Callers that
// fetch entity states for Observe capture it before the fetch.
func (s *Switches) Generation() uint64 { return s.gen.Load() }

// Observe refreshes the cache from externally reported entity states keyed
// by entity ID. Switches absent from states keep their cached value.
//
// gen is the Generation captured before states were fetched. A snapshot
// taken before a Set that has since completed is stale and is dropped.
//
// A switch that went from off to on while another was on was flipped
// externally; with a writer configured the newly-on switch of highest
// precedence is kept and the others are turned off. Reads taken before the
// correction, or without a writer, resolve the conflict by precedence.
func (s *Switches) Observe(ctx context.Context, states map[string]string, gen uint64) {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	if cur := s.gen.Load(); gen != cur {
		s.logger.Debug("mode: dropping stale switch snapshot",
			slog.Uint64("snapshot_generation", gen), slog.Uint64("generation", cur))
		return
	}

	s.mu.Lock()
	prev := Resolve(s.on)
	changed := false
	newlyOn := make(map[Mode]bool)
	for _, sw := range s.specs {
		st, ok := states[sw.EntityID]
		if !ok {
			continue
		}
		v := st == "on"
		if s.on[sw.Mode] != v {
			if v {
				newlyOn[sw.Mode] = true
			}
			s.on[sw.Mode] = v
			changed = true
		}
	}
	s.checkConflictLocked()
	conflict := s.conflict
	s.mu.Unlock()

	if conflict && len(newlyOn) > 0 && s.writer != nil {
		winner := Resolve(newlyOn)
		for _, sw := range s.specs {
			if sw.Mode == winner || !s.isOn(sw.Mode) {
				continue
			}
			if err := s.write(ctx, sw, false); err != nil {
				s.logger.Warn("mode: turn off switch after external change failed",
					slog.String("entity_id", sw.EntityID), slog.Any("error", err))
				continue
			}
			s.logger.Info("mode: switch turned on externally; turned off the other",
				slog.String("winner", winner.String()), slog.String("entity_id", sw.EntityID))
		}
	}

	if changed {
		if err := s.persist(); err != nil {
			s.logger.Warn("mode: persist observed switch states failed", slog.Any("error", err))
		}
	}
	s.notify(prev, s.Current())
}

// Set activates m and deactivates every other switch. The others are
// turned off before the target is turned on so that at most one switch is
// ever on. Any failed write makes Set return an error wrapping
// ErrPartialTransition; the caller may retry.
func (s *Switches) Set(ctx context.Context, m Mode) error {
	if m != Off && !s.has(m) {
		return fmt.Errorf("mode: %s is not configured", m)
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()
	s.gen.Add(1)

	prev := s.Current()
	var errs []error

	for _, sw := range s.specs {
		if sw.Mode == m {
			continue
		}
		if err := s.write(ctx, sw, false); err != nil {
			errs = append(errs, err)
		}
	}
	if m != Off {
		for _, sw := range s.specs {
			if sw.Mode == m {
				if err := s.write(ctx, sw, true); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	perr := s.persist()
	if perr != nil {
		if s.writer == nil {
			errs = append(errs, perr)
		} else {
			s.logger.Warn("mode: persist switch mirror failed", slog.Any("error", perr))
		}
	}

	s.notify(prev, s.Current())

	if len(errs) > 0 {
		return fmt.Errorf("%w to %s: %w", ErrPartialTransition, m, errors.Join(errs...))
	}
	s.logger.Info("mode: set", slog.String("from", prev.String()), slog.String("to", m.String()))
	return nil
}

func (s *Switches) write(ctx context.Context, sw Switch, on bool) error {
	if s.writer != nil {
		if err := s.writer.TurnSwitch(ctx, sw.EntityID, on); err != nil {
			return fmt.Errorf("switch %s: %w", sw.EntityID, err)
		}
	}
	s.mu.Lock()
	s.on[sw.Mode] = on
	s.checkConflictLocked()
	s.mu.Unlock()
	return nil
}

func (s *Switches) persist() error {
	if s.mirror == nil {
		return nil
	}
	states := make(map[string]bool, len(s.specs))
	for m, on := range s.States() {
		states[m.String()] = on
	}
	return s.mirror.SaveSwitches(states)
}

func (s *Switches) notify(prev, next Mode) {
	if prev != next && s.onChange != nil {
		s.onChange(prev, next)
	}
}

func (s *Switches) isOn(m Mode) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.on[m]
}

func (s *Switches) has(m Mode) bool {
	for _, sw := range s.specs {
		if sw.Mode == m {
			return true
		}
	}
	return false
}

// checkConflictLocked warns once per episode in which more than one switch
// is on. Caller holds s.mu.
func (s *Switches) checkConflictLocked() {
	n := 0
	for _, on := range s.on {
		if on {
			n++
		}
	}
	conflict := n > 1
	if conflict && !s.conflict {
		s.logger.Warn("mode: more than one mode switch is on; resolving by precedence",
			slog.String("winner", Resolve(s.on).String()))
	}
	s.conflict = conflict
}
