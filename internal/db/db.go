package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Schema is applied by Migrate. Every statement is idempotent.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS agentgate`,
	`CREATE TABLE IF NOT EXISTS agentgate.subscriptions (
		id            TEXT PRIMARY KEY,
		owner         TEXT NOT NULL,
		url           TEXT NOT NULL,
		events        TEXT[] NOT NULL,
		secret        TEXT NOT NULL,
		delivered     BIGINT NOT NULL DEFAULT 0,
		failed        BIGINT NOT NULL DEFAULT 0,
		last_delivery TIMESTAMPTZ,
		last_failure  TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner, url)
	)`,
	`CREATE TABLE IF NOT EXISTS agentgate.jobs (
		id                   TEXT PRIMARY KEY,
		owner                TEXT NOT NULL,
		url                  TEXT NOT NULL,
		method               TEXT NOT NULL,
		payload              JSONB,
		interval_seconds     INTEGER NOT NULL,
		active               BOOLEAN NOT NULL DEFAULT true,
		run_count            BIGINT NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		history              JSONB NOT NULL DEFAULT '[]',
		last_run_at          TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS agentgate.agent_keys (
		handle      TEXT NOT NULL,
		source      TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		verified_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (handle, source)
	)`,
}

// Migrate applies Schema to the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
