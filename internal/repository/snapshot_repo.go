package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SnapshotRepository persists PriceSnapshot rows. Snapshots are diagnostic
// only (spec §3, §8 invariant 8), so a write is a single batch insert with no
// retry here; its caller, internal/snapshot.Buffer, puts a failed batch back
// and retries it with backoff.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertBatch writes many snapshots in a single round trip. Empty input is a
// no-op so callers can call this unconditionally at the end of a flush tick.
func (r *SnapshotRepository) InsertBatch(ctx context.Context, snaps []domain.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	query := `
		INSERT INTO price_snapshots (round_id, elapsed, price, row, timestamp)
		VALUES (:round_id, :elapsed, :price, :row, :timestamp)`
	if _, err := r.db.NamedExecContext(ctx, query, snaps); err != nil {
		return fmt.Errorf("snapshot_repo.InsertBatch: %w", err)
	}
	return nil
}

// ListByRound returns every snapshot recorded for a round, in chronological
// order, for the round-history read-model (spec §1 supplemented feature).
func (r *SnapshotRepository) ListByRound(ctx context.Context, roundID uuid.UUID) ([]domain.PriceSnapshot, error) {
	var snaps []domain.PriceSnapshot
	err := r.db.SelectContext(ctx, &snaps,
		`SELECT * FROM price_snapshots WHERE round_id = $1 ORDER BY elapsed ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("snapshot_repo.ListByRound: %w", err)
	}
	return snaps, nil
}

// DeleteOlderThanRounds removes snapshots belonging to rounds outside the
// most recent N per asset, called periodically so price_snapshots does not
// grow unbounded; generalized from the teacher's history-retention queries.
func (r *SnapshotRepository) DeleteOlderThanRounds(ctx context.Context, asset string, keepMostRecent int) error {
	_, err := r.db.ExecContext(ctx, strings.TrimSpace(`
		DELETE FROM price_snapshots
		WHERE round_id IN (
			SELECT id FROM rounds WHERE asset = $1
			ORDER BY started_at DESC OFFSET $2
		)`), asset, keepMostRecent)
	if err != nil {
		return fmt.Errorf("snapshot_repo.DeleteOlderThanRounds: %w", err)
	}
	return nil
}
