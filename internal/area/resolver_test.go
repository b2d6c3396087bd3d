package area

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wargotik/wargot-ha-addons/internal/hass"
)

type fakeSource struct {
	entityAreas map[string]string
	areas       []hass.Area
	entityErr   error
	areasErr    error
	delay       time.Duration
	areaCalls   atomic.Int32
}

func (f *fakeSource) EntityAreaID(ctx context.Context, id string) (string, error) {
	if f.entityErr != nil {
		return "", f.entityErr
	}
	a, ok := f.entityAreas[id]
	if !ok {
		return "", hass.ErrNotFound
	}
	return a, nil
}

func (f *fakeSource) Areas(ctx context.Context) ([]hass.Area, error) {
	f.areaCalls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.areas, f.areasErr
}

func newSource() *fakeSource {
	return &fakeSource{
		entityAreas: map[string]string{
			"binary_sensor.hall":  "hallway",
			"binary_sensor.attic": "",
			"binary_sensor.shed":  "garden_shed",
		},
		areas: []hass.Area{{ID: "hallway", Name: "Hallway"}, {ID: "kitchen", Name: "Kitchen"}},
	}
}

func TestResolve_CachesByAreaID(t *testing.T) {
	src := newSource()
	r := NewResolver(src, time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		name, ok := r.Resolve(ctx, "binary_sensor.hall")
		assert.True(t, ok)
		assert.Equal(t, "Hallway", name)
	}
	assert.Equal(t, int32(1), src.areaCalls.Load())
}

func TestResolve_AbsentOutcomes(t *testing.T) {
	src := newSource()
	r := NewResolver(src, time.Second, nil)
	ctx := context.Background()

	for _, id := range []string{"binary_sensor.attic", "binary_sensor.ghost", "binary_sensor.shed"} {
		name, ok := r.Resolve(ctx, id)
		assert.False(t, ok, id)
		assert.Empty(t, name, id)
	}
}

func TestResolve_FailuresAreNotCached(t *testing.T) {
	src := newSource()
	src.areasErr = errors.New("unreachable")
	r := NewResolver(src, time.Second, nil)
	ctx := context.Background()

	_, ok := r.Resolve(ctx, "binary_sensor.hall")
	assert.False(t, ok)

	src.areasErr = nil
	name, ok := r.Resolve(ctx, "binary_sensor.hall")
	assert.True(t, ok)
	assert.Equal(t, "Hallway", name)
}

func TestResolve_EntityLookupError(t *testing.T) {
	src := newSource()
	src.entityErr = errors.New("timeout")
	r := NewResolver(src, time.Second, nil)

	_, ok := r.Resolve(context.Background(), "binary_sensor.hall")
	assert.False(t, ok)
	assert.Equal(t, int32(0), src.areaCalls.Load())
}

func TestResolve_BoundedByTimeout(t *testing.T) {
	src := newSource()
	src.delay = time.Hour
	r := NewResolver(src, 30*time.Millisecond, nil)

	start := time.Now()
	_, ok := r.Resolve(context.Background(), "binary_sensor.hall")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolve_ConcurrentMissesShareFetch(t *testing.T) {
	src := newSource()
	src.delay = 50 * time.Millisecond
	r := NewResolver(src, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, ok := r.Resolve(context.Background(), "binary_sensor.hall")
			assert.True(t, ok)
			assert.Equal(t, "Hallway", name)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.areaCalls.Load())
}

func TestResolve_NilResolver(t *testing.T) {
	var r *Resolver
	_, ok := r.Resolve(context.Background(), "binary_sensor.hall")
	assert.False(t, ok)
}
