package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
)

// openMemRegistry opens an in-memory SQLite registry and closes it on
// cleanup.
func openMemRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := registry.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:): %v", err)
	}
	r := registry.New(store)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func hall() registry.Sensor {
	return registry.Sensor{
		ID:          "binary_sensor.hall",
		Name:        "Hall",
		DeviceClass: registry.ClassMotion,
	}
}

func TestGet_Unknown(t *testing.T) {
	r := openMemRegistry(t)
	_, err := r.Get(context.Background(), "binary_sensor.nope")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get unknown: err = %v, want ErrNotFound", err)
	}
}

func TestUpsert_IsIdempotentAndKeepsFlags(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, hall()); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := r.SetModeEnabled(ctx, "binary_sensor.hall", mode.Away, true); err != nil {
		t.Fatalf("SetModeEnabled: %v", err)
	}
	if err := r.RecordTrigger(ctx, "binary_sensor.hall", "2024-01-01T10:00:00"); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}
	first, _ := r.Get(ctx, "binary_sensor.hall")

	again := hall()
	again.Name = "Hallway"
	if err := r.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	all, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List len = %d, want 1", len(all))
	}
	got := all[0]
	if got.Name != "Hallway" {
		t.Errorf("Name = %q, want Hallway", got.Name)
	}
	if !got.Modes.Away {
		t.Error("away flag was cleared by re-upsert")
	}
	if got.LastTriggeredAt != "2024-01-01T10:00:00" {
		t.Errorf("LastTriggeredAt = %q, want preserved", got.LastTriggeredAt)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	}
}

func TestUpsert_NewSensorDefaultsDisarmed(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	if err := r.Upsert(ctx, hall()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := r.Get(ctx, "binary_sensor.hall")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Modes != (mode.Flags{}) {
		t.Errorf("Modes = %+v, want all false", got.Modes)
	}
	if got.LastTriggeredAt != "" || got.Area != "" {
		t.Errorf("unexpected optional fields: %+v", got)
	}
}

func TestUpsert_AreaOnlyOverwrittenWhenKnown(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()

	s := hall()
	s.Area = "Ground floor"
	if err := r.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Area = ""
	if err := r.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ := r.Get(ctx, s.ID)
	if got.Area != "Ground floor" {
		t.Errorf("Area = %q, want preserved", got.Area)
	}
}

func TestList_OrderedByName(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	for id, name := range map[string]string{
		"binary_sensor.c": "kitchen",
		"binary_sensor.a": "Porch",
		"binary_sensor.b": "Attic",
	} {
		if err := r.Upsert(ctx, registry.Sensor{ID: id, Name: name, DeviceClass: registry.ClassPresence}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	all, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, s := range all {
		names = append(names, s.Name)
	}
	want := []string{"Attic", "kitchen", "Porch"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestUnknownID_ReturnsNotFound(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	id := "binary_sensor.ghost"

	checks := map[string]error{
		"SetModeEnabled": r.SetModeEnabled(ctx, id, mode.Night, true),
		"SetModes":       r.SetModes(ctx, id, mode.Flags{Away: true}),
		"RecordTrigger":  r.RecordTrigger(ctx, id, ""),
		"SetArea":        r.SetArea(ctx, id, "Attic"),
		"Delete":         r.Delete(ctx, id),
	}
	for name, err := range checks {
		if !errors.Is(err, registry.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestSetModeEnabled_Off(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	_ = r.Upsert(ctx, hall())
	if err := r.SetModeEnabled(ctx, "binary_sensor.hall", mode.Off, true); err == nil {
		t.Fatal("SetModeEnabled(Off) succeeded, want error")
	}
}

func TestSetModesAndArea(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	_ = r.Upsert(ctx, hall())

	flags := mode.Flags{Night: true, Perimeter: true}
	if err := r.SetModes(ctx, "binary_sensor.hall", flags); err != nil {
		t.Fatalf("SetModes: %v", err)
	}
	if err := r.SetArea(ctx, "binary_sensor.hall", "Hall"); err != nil {
		t.Fatalf("SetArea: %v", err)
	}
	got, _ := r.Get(ctx, "binary_sensor.hall")
	if got.Modes != flags {
		t.Errorf("Modes = %+v, want %+v", got.Modes, flags)
	}
	if got.Area != "Hall" {
		t.Errorf("Area = %q", got.Area)
	}

	if err := r.SetArea(ctx, "binary_sensor.hall", ""); err != nil {
		t.Fatalf("SetArea clear: %v", err)
	}
	got, _ = r.Get(ctx, "binary_sensor.hall")
	if got.Area != "" {
		t.Errorf("Area = %q after clear", got.Area)
	}
}

func TestRecordTrigger_StampsNowWhenNoAuthoritativeTime(t *testing.T) {
	store, err := registry.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	r := registry.New(store, registry.WithClock(func() time.Time { return fixed }))
	defer r.Close()
	ctx := context.Background()

	_ = r.Upsert(ctx, hall())
	if err := r.RecordTrigger(ctx, "binary_sensor.hall", ""); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}
	got, _ := r.Get(ctx, "binary_sensor.hall")
	if got.LastTriggeredAt != "2024-05-06T07:08:09Z" {
		t.Errorf("LastTriggeredAt = %q", got.LastTriggeredAt)
	}
}

func TestDelete(t *testing.T) {
	r := openMemRegistry(t)
	ctx := context.Background()
	_ = r.Upsert(ctx, hall())
	if err := r.Delete(ctx, "binary_sensor.hall"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, "binary_sensor.hall"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get after Delete: %v", err)
	}
}

func TestOpenSQLite_MigratesOlderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alarmme.db")

	// Schema as written by the first release: no perimeter, area or
	// trigger columns.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`
CREATE TABLE sensors (
    entity_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    device_class TEXT NOT NULL,
    enabled_in_away_mode INTEGER NOT NULL DEFAULT 0,
    enabled_in_night_mode INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
INSERT INTO sensors VALUES ('binary_sensor.old', 'Old', 'motion', 1, 0,
    '2023-01-01 00:00:00', '2023-01-01 00:00:00');`)
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}
	_ = db.Close()

	for i := 0; i < 2; i++ {
		store, err := registry.OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite pass %d: %v", i, err)
		}
		r := registry.New(store)
		got, err := r.Get(context.Background(), "binary_sensor.old")
		if err != nil {
			t.Fatalf("Get pass %d: %v", i, err)
		}
		if !got.Modes.Away || got.Modes.Perimeter {
			t.Errorf("pass %d: Modes = %+v", i, got.Modes)
		}
		if got.CreatedAt.IsZero() {
			t.Errorf("pass %d: legacy created_at not parsed", i)
		}
		_ = r.Close()
	}
}
