//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/registry/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

func setupPostgres(t *testing.T) *registry.Registry {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("alarmme_test"),
		tcpostgres.WithUsername("alarmme"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := registry.OpenPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	// A second open must re-apply the schema without error.
	again, err := registry.OpenPostgres(ctx, connStr)
	if err != nil {
		t.Fatalf("OpenPostgres (second): %v", err)
	}
	_ = again.Close()

	r := registry.New(store)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPostgres_Lifecycle(t *testing.T) {
	r := setupPostgres(t)
	ctx := context.Background()
	id := "binary_sensor.hall"

	if err := r.Upsert(ctx, registry.Sensor{ID: id, Name: "Hall", DeviceClass: registry.ClassMotion}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.SetModeEnabled(ctx, id, mode.Night, true); err != nil {
		t.Fatalf("SetModeEnabled: %v", err)
	}
	if err := r.Upsert(ctx, registry.Sensor{ID: id, Name: "Hall 2", DeviceClass: registry.ClassMotion, Area: "Ground"}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	if err := r.RecordTrigger(ctx, id, "2024-01-01T10:00:00"); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}

	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Hall 2" || got.Area != "Ground" {
		t.Errorf("metadata = %q/%q", got.Name, got.Area)
	}
	if !got.Modes.Night || got.Modes.Away {
		t.Errorf("Modes = %+v", got.Modes)
	}
	if got.LastTriggeredAt != "2024-01-01T10:00:00" {
		t.Errorf("LastTriggeredAt = %q", got.LastTriggeredAt)
	}

	all, err := r.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("List = %v, %v", all, err)
	}

	if err := r.SetArea(ctx, "binary_sensor.ghost", "x"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SetArea unknown: %v", err)
	}
	if err := r.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, id); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}
