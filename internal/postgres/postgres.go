// Package postgres owns the server's database plumbing: pool construction,
// embedded goose migrations, transaction helpers, and SQLSTATE predicates.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/agentim-chat/agentim/internal/postgres/migrations"
)

// migrationLogger routes goose's output through zerolog. Goose's Fatalf is
// demoted to an error; the caller decides whether a failed migration is
// fatal.
type migrationLogger struct{}

func (migrationLogger) Fatalf(format string, v ...any) { log.Error().Msgf(format, v...) }
func (migrationLogger) Printf(format string, v ...any) { log.Info().Msgf(format, v...) }

// Connect builds a pgx pool for the DSN with the given connection bounds and
// verifies it with a ping before handing it back.
func Connect(ctx context.Context, dsn string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies every pending embedded migration. Goose needs a
// database/sql handle, so a short-lived one is opened alongside the pool.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(migrationLogger{})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
