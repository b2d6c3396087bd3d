package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

// PostgresStore keeps the registry in PostgreSQL, for installations that
// already run a shared database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS sensors (
    entity_id             TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    device_class          TEXT NOT NULL,
    enabled_in_away_mode  BOOLEAN NOT NULL DEFAULT FALSE,
    enabled_in_night_mode BOOLEAN NOT NULL DEFAULT FALSE,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE sensors ADD COLUMN IF NOT EXISTS enabled_in_perimeter_mode BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE sensors ADD COLUMN IF NOT EXISTS last_triggered_at TEXT;
ALTER TABLE sensors ADD COLUMN IF NOT EXISTS area TEXT;
CREATE INDEX IF NOT EXISTS idx_device_class ON sensors (device_class);
`

// OpenPostgres connects to connStr, pings the server and applies the
// schema.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("registry: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresColumns = `entity_id, name, device_class, area,
    enabled_in_away_mode, enabled_in_night_mode, enabled_in_perimeter_mode,
    last_triggered_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (Sensor, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM sensors WHERE entity_id = $1`, id)
	sensor, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sensor{}, ErrNotFound
	}
	if err != nil {
		return Sensor{}, fmt.Errorf("registry: get %q: %w", id, err)
	}
	return sensor, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, s Sensor) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO sensors (entity_id, name, device_class, area,
    enabled_in_away_mode, enabled_in_night_mode, enabled_in_perimeter_mode)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
ON CONFLICT (entity_id) DO UPDATE SET
    name         = EXCLUDED.name,
    device_class = EXCLUDED.device_class,
    area         = COALESCE(EXCLUDED.area, sensors.area),
    updated_at   = now()`,
		s.ID, s.Name, string(s.DeviceClass), s.Area,
		s.Modes.Away, s.Modes.Night, s.Modes.Perimeter,
	)
	if err != nil {
		return fmt.Errorf("registry: upsert %q: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Sensor, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+postgresColumns+` FROM sensors ORDER BY lower(name), entity_id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		s, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) SetModeEnabled(ctx context.Context, id string, m mode.Mode, enabled bool) error {
	col, err := modeColumn(m)
	if err != nil {
		return err
	}
	return p.exec(ctx, "set mode", id,
		`UPDATE sensors SET `+col+` = $1, updated_at = now() WHERE entity_id = $2`, enabled, id)
}

func (p *PostgresStore) SetModes(ctx context.Context, id string, f mode.Flags) error {
	return p.exec(ctx, "set modes", id, `
UPDATE sensors SET enabled_in_away_mode = $1, enabled_in_night_mode = $2,
    enabled_in_perimeter_mode = $3, updated_at = now()
WHERE entity_id = $4`, f.Away, f.Night, f.Perimeter, id)
}

func (p *PostgresStore) RecordTrigger(ctx context.Context, id, at string) error {
	return p.exec(ctx, "record trigger", id,
		`UPDATE sensors SET last_triggered_at = $1, updated_at = now() WHERE entity_id = $2`, at, id)
}

func (p *PostgresStore) SetArea(ctx context.Context, id, area string) error {
	return p.exec(ctx, "set area", id,
		`UPDATE sensors SET area = NULLIF($1, ''), updated_at = now() WHERE entity_id = $2`, area, id)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, "delete", id, `DELETE FROM sensors WHERE entity_id = $1`, id)
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("registry: %s %q: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPostgres(row pgx.Row) (Sensor, error) {
	var (
		s               Sensor
		class           string
		area, triggered *string
	)
	if err := row.Scan(&s.ID, &s.Name, &class, &area,
		&s.Modes.Away, &s.Modes.Night, &s.Modes.Perimeter,
		&triggered, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Sensor{}, err
	}
	s.DeviceClass = DeviceClass(class)
	if area != nil {
		s.Area = *area
	}
	if triggered != nil {
		s.LastTriggeredAt = *triggered
	}
	return s, nil
}
