package db

import (
	"context"
	"fmt"
	"time"

	"fleet-triptracker/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Upper bound on pooled connections per agent.
const maxPoolConns = 4

var (
	newPoolFn  = pgxpool.NewWithConfig
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	poolCfg.MaxConns = maxPoolConns
	if cfg.DeviceID != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = "triptracker-" + cfg.DeviceID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
