package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

// SQLiteStore is the single-file Store used by the add-on.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// sqliteDDL creates the base table. Columns added after the first release
// are applied by sqliteMigrations so older files keep working.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS sensors (
    entity_id             TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    device_class          TEXT NOT NULL,
    enabled_in_away_mode  INTEGER NOT NULL DEFAULT 0,
    enabled_in_night_mode INTEGER NOT NULL DEFAULT 0,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_class ON sensors (device_class);
`

var sqliteMigrations = []string{
	`ALTER TABLE sensors ADD COLUMN enabled_in_perimeter_mode INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE sensors ADD COLUMN last_triggered_at TEXT`,
	`ALTER TABLE sensors ADD COLUMN area TEXT`,
}

// OpenSQLite opens (or creates) the registry database at path in WAL mode
// and brings its schema up to date. ":memory:" gives a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %q: %w", path, err)
	}
	// One connection: the HTTP handlers and the poll loop serialise through
	// it instead of racing for the file lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA synchronous = NORMAL`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry: %s: %w", pragma, err)
		}
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(sqliteDDL); err != nil {
		return fmt.Errorf("registry: apply schema: %w", err)
	}
	for _, stmt := range sqliteMigrations {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("registry: migrate %q: %w", stmt, err)
		}
	}
	return nil
}

const sqliteColumns = `entity_id, name, device_class, area,
    enabled_in_away_mode, enabled_in_night_mode, enabled_in_perimeter_mode,
    last_triggered_at, created_at, updated_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (Sensor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM sensors WHERE entity_id = ?`, id)
	sensor, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sensor{}, ErrNotFound
	}
	if err != nil {
		return Sensor{}, fmt.Errorf("registry: get %q: %w", id, err)
	}
	return sensor, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, sensor Sensor) error {
	ts := s.stamp()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sensors (entity_id, name, device_class, area,
    enabled_in_away_mode, enabled_in_night_mode, enabled_in_perimeter_mode,
    created_at, updated_at)
VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
    name         = excluded.name,
    device_class = excluded.device_class,
    area         = COALESCE(excluded.area, sensors.area),
    updated_at   = excluded.updated_at`,
		sensor.ID, sensor.Name, string(sensor.DeviceClass), sensor.Area,
		sensor.Modes.Away, sensor.Modes.Night, sensor.Modes.Perimeter,
		ts, ts,
	)
	if err != nil {
		return fmt.Errorf("registry: upsert %q: %w", sensor.ID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM sensors ORDER BY name COLLATE NOCASE, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		sensor, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list scan: %w", err)
		}
		out = append(out, sensor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetModeEnabled(ctx context.Context, id string, m mode.Mode, enabled bool) error {
	col, err := modeColumn(m)
	if err != nil {
		return err
	}
	return s.exec(ctx, "set mode", id,
		`UPDATE sensors SET `+col+` = ?, updated_at = ? WHERE entity_id = ?`,
		enabled, s.stamp(), id)
}

func (s *SQLiteStore) SetModes(ctx context.Context, id string, f mode.Flags) error {
	return s.exec(ctx, "set modes", id, `
UPDATE sensors SET enabled_in_away_mode = ?, enabled_in_night_mode = ?,
    enabled_in_perimeter_mode = ?, updated_at = ?
WHERE entity_id = ?`,
		f.Away, f.Night, f.Perimeter, s.stamp(), id)
}

func (s *SQLiteStore) RecordTrigger(ctx context.Context, id, at string) error {
	return s.exec(ctx, "record trigger", id,
		`UPDATE sensors SET last_triggered_at = ?, updated_at = ? WHERE entity_id = ?`,
		at, s.stamp(), id)
}

func (s *SQLiteStore) SetArea(ctx context.Context, id, area string) error {
	return s.exec(ctx, "set area", id,
		`UPDATE sensors SET area = NULLIF(?, ''), updated_at = ? WHERE entity_id = ?`,
		area, s.stamp(), id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete", id, `DELETE FROM sensors WHERE entity_id = ?`, id)
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("registry: %s %q: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: %s %q: rows affected: %w", op, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Sensor, error) {
	var (
		sensor             Sensor
		class              string
		area, triggered    sql.NullString
		created, updated   string
		away, night, perim bool
	)
	if err := row.Scan(&sensor.ID, &sensor.Name, &class, &area,
		&away, &night, &perim, &triggered, &created, &updated); err != nil {
		return Sensor{}, err
	}
	sensor.DeviceClass = DeviceClass(class)
	sensor.Area = area.String
	sensor.LastTriggeredAt = triggered.String
	sensor.Modes = mode.Flags{Away: away, Night: night, Perimeter: perim}
	sensor.CreatedAt = parseStamp(created)
	sensor.UpdatedAt = parseStamp(updated)
	return sensor, nil
}

// parseStamp accepts RFC 3339 and the space-separated form written by
// earlier releases.
func parseStamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func modeColumn(m mode.Mode) (string, error) {
	switch m {
	case mode.Away:
		return "enabled_in_away_mode", nil
	case mode.Night:
		return "enabled_in_night_mode", nil
	case mode.Perimeter:
		return "enabled_in_perimeter_mode", nil
	}
	return "", fmt.Errorf("registry: no enablement column for mode %s", m)
}
