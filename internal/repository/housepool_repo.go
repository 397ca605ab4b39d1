package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// HousePoolRepository handles all database operations for the per-asset
// house liability pool. Every mutation goes through the optimistic-version
// conditional update described on domain.HousePool; callers are expected to
// retry on a false return with freshly re-read state (see internal/ledger).
type HousePoolRepository struct {
	db *sqlx.DB
}

// NewHousePoolRepository creates a new HousePoolRepository.
func NewHousePoolRepository(db *sqlx.DB) *HousePoolRepository {
	return &HousePoolRepository{db: db}
}

// GetByAsset fetches the current pool state for an asset.
func (r *HousePoolRepository) GetByAsset(ctx context.Context, asset string) (*domain.HousePool, error) {
	var p domain.HousePool
	err := r.db.GetContext(ctx, &p, `SELECT * FROM house_pools WHERE asset = $1`, asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("house_pool_repo.GetByAsset: %w", err)
		}
		return nil, fmt.Errorf("house_pool_repo.GetByAsset: %w", err)
	}
	return &p, nil
}

// EnsureExists inserts a fresh row for an asset, seeded at initialBalance, if
// one does not already exist, so GetByAsset never has to special-case a
// fresh asset.
func (r *HousePoolRepository) EnsureExists(ctx context.Context, asset string, initialBalance decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO house_pools (asset, balance, version, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (asset) DO NOTHING`, asset, initialBalance)
	if err != nil {
		return fmt.Errorf("house_pool_repo.EnsureExists: %w", err)
	}
	return nil
}

// ApplyDelta conditionally applies a signed delta to the pool balance,
// bumping the version, provided the row is still at expectedVersion
// (`UPDATE house_pools SET balance=balance+delta, version=version+1 WHERE
// asset=? AND version=?`). Returns false on a version conflict; the caller
// must re-read and retry with bounded backoff (spec §5 RiskManager).
func (r *HousePoolRepository) ApplyDelta(ctx context.Context, tx *sqlx.Tx, asset string, delta decimal.Decimal, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE house_pools
		SET balance = balance + $1, version = version + 1, updated_at = now()
		WHERE asset = $2 AND version = $3`,
		delta, asset, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("house_pool_repo.ApplyDelta: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
