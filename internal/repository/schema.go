package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements create the tables the repositories read and write. Every statement is
// idempotent so EnsureSchema can run on each deploy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS depots (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS buses (
  id TEXT PRIMARY KEY,
  depot_id TEXT NOT NULL REFERENCES depots(id),
  registration_no TEXT NOT NULL UNIQUE,
  capacity INTEGER NOT NULL CHECK (capacity >= 0),
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'maintenance', 'retired')),
  version BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS routes (
  id TEXT PRIMARY KEY,
  depot_id TEXT NOT NULL REFERENCES depots(id),
  route_number TEXT NOT NULL,
  name TEXT NOT NULL,
  origin TEXT NOT NULL DEFAULT '',
  destination TEXT NOT NULL DEFAULT '',
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  operating_start TEXT NOT NULL DEFAULT '',
  operating_end TEXT NOT NULL DEFAULT '',
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
  max_trips_per_day INTEGER NOT NULL DEFAULT 0,
  min_gap_minutes INTEGER NOT NULL DEFAULT 0,
  min_capacity INTEGER NOT NULL DEFAULT 0,
  UNIQUE (depot_id, route_number)
)`,
	`CREATE TABLE IF NOT EXISTS crew_members (
  id TEXT PRIMARY KEY,
  depot_id TEXT NOT NULL REFERENCES depots(id),
  name TEXT NOT NULL,
  role TEXT NOT NULL CHECK (role IN ('driver', 'conductor')),
  status TEXT NOT NULL DEFAULT 'available' CHECK (status IN ('available', 'on_duty', 'resting', 'suspended')),
  duty_log JSONB NOT NULL DEFAULT '[]'::jsonb,
  rest_hours_since_last_duty DOUBLE PRECISION NOT NULL DEFAULT 0,
  version BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS scheduling_runs (
  id TEXT PRIMARY KEY,
  config JSONB NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('idle', 'running', 'completed', 'failed', 'stopped')),
  progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
  current_operation TEXT NOT NULL DEFAULT '',
  activity_log JSONB NOT NULL DEFAULT '[]'::jsonb,
  report JSONB,
  error_message TEXT,
  created_by TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS trips (
  id TEXT PRIMARY KEY,
  route_id TEXT NOT NULL REFERENCES routes(id),
  depot_id TEXT NOT NULL REFERENCES depots(id),
  service_date DATE NOT NULL,
  departure_time TIMESTAMPTZ NOT NULL,
  arrival_time TIMESTAMPTZ NOT NULL,
  bus_id TEXT REFERENCES buses(id),
  driver_id TEXT REFERENCES crew_members(id),
  conductor_id TEXT REFERENCES crew_members(id),
  status TEXT NOT NULL DEFAULT 'scheduled' CHECK (status IN ('scheduled', 'in_progress', 'completed', 'cancelled')),
  origin_run_id TEXT REFERENCES scheduling_runs(id) ON DELETE SET NULL,
  fatigue_override BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CHECK (arrival_time > departure_time),
  UNIQUE (route_id, service_date, departure_time)
)`,
	`CREATE INDEX IF NOT EXISTS idx_buses_depot ON buses (depot_id)`,
	`CREATE INDEX IF NOT EXISTS idx_crew_members_depot ON crew_members (depot_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_depot_date ON trips (depot_id, service_date)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_status ON trips (status)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduling_runs_status_created ON scheduling_runs (status, created_at)`,
}

// EnsureSchema creates any missing tables and indexes in a single transaction.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure schema: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: statement #%d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure schema: commit: %w", err)
	}
	return nil
}
