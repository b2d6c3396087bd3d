// Package area maps sensors to human area names using the Home Assistant
// entity and area registries.
package area

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wargotik/wargot-ha-addons/internal/hass"
)

// Source is the subset of the Home Assistant client used for lookups.
type Source interface {
	EntityAreaID(ctx context.Context, entityID string) (string, error)
	Areas(ctx context.Context) ([]hass.Area, error)
}

// Resolver caches area names by area ID for the life of the process. Area
// assignments are assumed stable; a restart clears the cache.
type Resolver struct {
	src     Source
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	names map[string]string
}

// NewResolver returns a Resolver. Each Resolve call is bounded by timeout
// (3s when timeout <= 0).
func NewResolver(src Source, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		src:     src,
		timeout: timeout,
		logger:  logger,
		names:   make(map[string]string),
	}
}

// Resolve returns the area name of sensorID. ok is false when the sensor
// has no area or any lookup fails; that is a normal outcome.
func (r *Resolver) Resolve(ctx context.Context, sensorID string) (name string, ok bool) {
	if r == nil || r.src == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	areaID, err := r.src.EntityAreaID(ctx, sensorID)
	if err != nil {
		r.logger.Debug("area: entity lookup failed",
			slog.String("sensor_id", sensorID), slog.Any("error", err))
		return "", false
	}
	if areaID == "" {
		return "", false
	}

	if name, ok := r.cached(areaID); ok {
		return name, true
	}

	// Concurrent misses share one registry fetch.
	_, err, _ = r.group.Do("areas", func() (any, error) {
		areas, err := r.src.Areas(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		for _, a := range areas {
			r.names[a.ID] = a.Name
		}
		r.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		r.logger.Debug("area: registry fetch failed", slog.Any("error", err))
		return "", false
	}
	return r.cached(areaID)
}

func (r *Resolver) cached(areaID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[areaID]
	return name, ok && name != ""
}
