// Package store is the durable persistence layer: idempotent batch inserts
// for ingested events and the progress record the worker resumes from.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// schemaSQL is embedded so the worker can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// Querier is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so batch inserts and progress writes compose into a
// caller-supplied transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres creates a connection pool and fails fast when the database is
// unreachable.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{
		pool:   pool,
		logger: log.With().Str("component", "store").Logger(),
	}, nil
}

// Pool exposes the underlying connection pool (for integration tests).
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema applies the embedded schema. Safe to run multiple times.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping validates database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// CommitPage persists one page and its progress update as a single atomic
// unit. On any failure the transaction is rolled back in full: no event rows
// and no progress change from the page survive.
func (p *Postgres) CommitPage(ctx context.Context, name string, records []EventRecord, progress Progress) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin page transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := InsertBatch(ctx, tx, records)
	if err != nil {
		return 0, err
	}
	if err := saveProgress(ctx, tx, name, progress); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit page transaction: %w", err)
	}

	p.logger.Debug().
		Int("records", len(records)).
		Int64("inserted", inserted).
		Msg("Page committed")

	return inserted, nil
}

// CountEvents returns the total number of stored events. Observational only;
// resumption relies solely on the progress record.
func (p *Postgres) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*)::bigint FROM ingested_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}
