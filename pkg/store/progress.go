package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Progress is the singleton checkpoint record for one logical feed. The
// stored cursor/checkpoint pair is only ever written together with the batch
// it describes, so it is always consistent with the rows already persisted.
type Progress struct {
	// UntilMs is the optional upper time bound for bounded backfills.
	UntilMs *int64

	// Cursor is the opaque continuation token, nil when none is held.
	Cursor *string

	// CheckpointMs is the oldest event timestamp in the most recently
	// committed page.
	CheckpointMs *int64
}

// EnsureProgress creates the progress row for name if it does not exist yet.
// Idempotent.
func (p *Postgres) EnsureProgress(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ingestion_progress (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return fmt.Errorf("ensure progress row: %w", err)
	}
	return nil
}

// LoadProgress reads the progress record for name. A missing row yields a
// zero Progress, same as a row whose fields are all NULL.
func (p *Postgres) LoadProgress(ctx context.Context, name string) (Progress, error) {
	var progress Progress
	err := p.pool.QueryRow(ctx,
		`SELECT until_ms, cursor, checkpoint_ms FROM ingestion_progress WHERE name = $1`,
		name,
	).Scan(&progress.UntilMs, &progress.Cursor, &progress.CheckpointMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, nil
	}
	if err != nil {
		return Progress{}, fmt.Errorf("load progress: %w", err)
	}
	return progress, nil
}

// SaveProgress writes the progress record outside of a page transaction.
// Used by the cursor-invalidation recovery path, which must persist the reset
// continuation state immediately.
func (p *Postgres) SaveProgress(ctx context.Context, name string, progress Progress) error {
	return saveProgress(ctx, p.pool, name, progress)
}

func saveProgress(ctx context.Context, db Querier, name string, progress Progress) error {
	_, err := db.Exec(ctx,
		`UPDATE ingestion_progress
		 SET until_ms = $2, cursor = $3, checkpoint_ms = $4, updated_at = now()
		 WHERE name = $1`,
		name, progress.UntilMs, progress.Cursor, progress.CheckpointMs,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
