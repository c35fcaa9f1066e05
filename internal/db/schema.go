package db

import (
	"context"
	"fmt"
	"log"
)

// schema is applied in order on startup. Statements must be idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS route_points (
		id BIGSERIAL PRIMARY KEY,
		trip_id TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		accuracy_m DOUBLE PRECISION,
		source TEXT NOT NULL DEFAULT 'gps',
		captured_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS route_points_trip_idx ON route_points (trip_id, captured_at)`,
	`CREATE TABLE IF NOT EXISTS destinations (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		radius_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS destinations_device_idx ON destinations (device_id, active)`,
}

// EnsureSchema creates the agent's local tables if they are missing.
func EnsureSchema(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	log.Printf("db: schema ready (%d statements)", len(schema))
	return nil
}
