package repository

import (
	"context"
	"fmt"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository appends to the immutable transactions table. It never
// updates or deletes a row: every real-balance mutation gets exactly one
// Transaction, written in the same DB transaction as the balance change it
// records (spec §3 invariant: ordered sum of committed amounts equals the
// current real balance).
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append inserts a single Transaction row.
func (r *LedgerRepository) Append(ctx context.Context, tx *sqlx.Tx, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, user_id, type, amount, balance_before, balance_after, related_bet_id, remark, status, completed_at)
		VALUES
			(:id, :user_id, :type, :amount, :balance_before, :balance_after, :related_bet_id, :remark, :status, :completed_at)`
	if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
		return fmt.Errorf("ledger_repo.Append: %w", err)
	}
	return nil
}

// ListByUser returns a user's ledger history, most recent first.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.SelectContext(ctx, &txs,
		`SELECT * FROM transactions WHERE user_id = $1 ORDER BY completed_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger_repo.ListByUser: %w", err)
	}
	return txs, nil
}
