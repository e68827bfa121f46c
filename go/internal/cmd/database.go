package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

func setupDatabase(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	db := cfg.databaseSettings()

	pool, err := pgxpool.New(ctx, db.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", db.Host).
		Int("port", db.Port).
		Str("database", db.Name).
		Msg("connected to database")
	return pool, nil
}
