package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

// Store is the persistence contract implemented by SQLiteStore and
// PostgresStore. Operations on an unknown ID return ErrNotFound.
type Store interface {
	// Get returns the sensor with id.
	Get(ctx context.Context, id string) (Sensor, error)
	// Upsert inserts s, or on conflict refreshes name, device class and
	// (when s.Area is non-empty) area. Mode flags and timestamps of an
	// existing row are preserved.
	Upsert(ctx context.Context, s Sensor) error
	// List returns all sensors ordered by display name.
	List(ctx context.Context) ([]Sensor, error)
	// SetModeEnabled sets one per-mode enablement flag.
	SetModeEnabled(ctx context.Context, id string, m mode.Mode, enabled bool) error
	// SetModes replaces all per-mode enablement flags.
	SetModes(ctx context.Context, id string, flags mode.Flags) error
	// RecordTrigger sets last_triggered_at to at.
	RecordTrigger(ctx context.Context, id, at string) error
	// SetArea sets the area label; empty clears it.
	SetArea(ctx context.Context, id, area string) error
	// Delete removes a sensor. Administrative only.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Registry is the retrying, logging front of a Store.
type Registry struct {
	store      Store
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	onRetry    func(op string)
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithBackOff overrides the retry policy factory. Each operation gets a
// fresh policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Registry) { r.newBackOff = fn }
}

// WithRetryHook registers fn to be called before every retry.
func WithRetryHook(fn func(op string)) Option { return func(r *Registry) { r.onRetry = fn } }

// WithClock overrides the wall clock used for locally generated trigger
// times.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New wraps store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		newBackOff: DefaultBackOff,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// DefaultBackOff allows up to ten attempts with delays growing from 200ms
// by 1.5x, capped at 2s.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 1.5
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 9)
}

// Get returns the sensor with id, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (Sensor, error) {
	var s Sensor
	err := r.do(ctx, "get", id, func(ctx context.Context) error {
		var err error
		s, err = r.store.Get(ctx, id)
		return err
	})
	return s, err
}

// Upsert registers or refreshes a sensor. See Store.Upsert.
func (r *Registry) Upsert(ctx context.Context, s Sensor) error {
	return r.do(ctx, "upsert", s.ID, func(ctx context.Context) error {
		return r.store.Upsert(ctx, s)
	})
}

// List returns every sensor ordered by display name.
func (r *Registry) List(ctx context.Context) ([]Sensor, error) {
	var out []Sensor
	err := r.do(ctx, "list", "", func(ctx context.Context) error {
		var err error
		out, err = r.store.List(ctx)
		return err
	})
	return out, err
}

// SetModeEnabled toggles one mode flag. Unknown IDs yield ErrNotFound.
func (r *Registry) SetModeEnabled(ctx context.Context, id string, m mode.Mode, enabled bool) error {
	if m == mode.Off {
		return fmt.Errorf("registry: cannot enable sensor for mode %s", m)
	}
	return r.do(ctx, "set_mode_enabled", id, func(ctx context.Context) error {
		return r.store.SetModeEnabled(ctx, id, m, enabled)
	})
}

// SetModes replaces all mode flags of a sensor.
func (r *Registry) SetModes(ctx context.Context, id string, flags mode.Flags) error {
	return r.do(ctx, "set_modes", id, func(ctx context.Context) error {
		return r.store.SetModes(ctx, id, flags)
	})
}

// RecordTrigger stores observedAt as the sensor's last trigger time. An
// empty observedAt stamps the current UTC time. Unknown IDs yield
// ErrNotFound and are logged at debug level only.
func (r *Registry) RecordTrigger(ctx context.Context, id, observedAt string) error {
	if observedAt == "" {
		observedAt = r.now().UTC().Format(time.RFC3339)
	}
	return r.do(ctx, "record_trigger", id, func(ctx context.Context) error {
		return r.store.RecordTrigger(ctx, id, observedAt)
	})
}

// SetArea sets the area label of a sensor.
func (r *Registry) SetArea(ctx context.Context, id, area string) error {
	return r.do(ctx, "set_area", id, func(ctx context.Context) error {
		return r.store.SetArea(ctx, id, area)
	})
}

// Delete removes a sensor.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", id, func(ctx context.Context) error {
		return r.store.Delete(ctx, id)
	})
}

// Close closes the underlying store.
func (r *Registry) Close() error { return r.store.Close() }

func (r *Registry) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	attempt := func() error {
		err := fn(ctx)
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("registry: transient error, retrying",
			slog.String("op", op),
			slog.String("sensor_id", id),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
		if r.onRetry != nil {
			r.onRetry(op)
		}
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(r.newBackOff(), ctx), notify)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		r.logger.Debug("registry: sensor not found", slog.String("op", op), slog.String("sensor_id", id))
	default:
		r.logger.Warn("registry: operation failed",
			slog.String("op", op),
			slog.String("sensor_id", id),
			slog.Any("error", err),
		)
	}
	return err
}

// IsTransient reports whether err is a lock-contention failure worth
// retrying: SQLITE_BUSY / SQLITE_LOCKED, or a PostgreSQL serialization,
// deadlock or lock-not-available error.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
