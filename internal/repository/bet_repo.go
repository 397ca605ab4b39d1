package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// BetRepository handles all database operations for Bets.
type BetRepository struct {
	db *sqlx.DB
}

// NewBetRepository creates a new BetRepository.
func NewBetRepository(db *sqlx.DB) *BetRepository {
	return &BetRepository{db: db}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505) — the DB-level authority behind orderId
// idempotency (spec §4.10 step 11/14).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Create inserts a new bet inside an existing transaction. Relies on the
// unique constraint on order_id to enforce idempotency at the DB level;
// callers should check IsUniqueViolation on the returned error.
func (r *BetRepository) Create(ctx context.Context, tx *sqlx.Tx, b *domain.Bet) error {
	query := `
		INSERT INTO bets
			(id, order_id, user_id, round_id, asset, amount, multiplier, target_row,
			 target_time, is_play_mode, status, payout, created_at)
		VALUES
			(:id, :order_id, :user_id, :round_id, :asset, :amount, :multiplier, :target_row,
			 :target_time, :is_play_mode, :status, :payout, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, b); err != nil {
		return fmt.Errorf("bet_repo.Create: %w", err)
	}
	return nil
}

// GetByOrderID looks up a bet by its idempotency key (spec §4.10 step 11).
func (r *BetRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE order_id = $1`, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByOrderID: %w", err)
	}
	return &b, nil
}

// GetByID fetches a bet by its primary key.
func (r *BetRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByID: %w", err)
	}
	return &b, nil
}

// GetPendingByRound returns every bet still PENDING or SETTLING for a round,
// ordered by targetTime — used to rebuild the BetHeap on engine restart and
// by the compensation sweeper.
func (r *BetRepository) GetPendingByRound(ctx context.Context, roundID uuid.UUID) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE round_id = $1 AND status IN ('PENDING','SETTLING') ORDER BY target_time ASC`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetPendingByRound: %w", err)
	}
	return bets, nil
}

// GetByUserID returns a user's bet history, paginated.
func (r *BetRepository) GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetByUserID: %w", err)
	}
	return bets, nil
}

// SettleOne performs the conditional transition SETTLING → {WON, LOST} for a
// single bet, stamping payout and hit details. The tick loop (or the
// compensation sweeper) always moves a bet PENDING → SETTLING via
// MarkSettling before handing it to the settlement queue, so SETTLING is
// the expected pre-state here, not PENDING. Returns false (not an error)
// when the row was already settled by a previous attempt — the caller must
// treat 0 rows affected as "skip, not fail" (spec §4.7 step 2).
func (r *BetRepository) SettleOne(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, status domain.BetStatus, payout decimal.Decimal, hit *domain.HitDetails) (bool, error) {
	var hitPrice *decimal.Decimal
	var hitRow, hitTime *float64
	if hit != nil {
		hitPrice = &hit.Price
		hitRow = &hit.Row
		hitTime = &hit.Time
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status = $1, payout = $2, hit_price = $3, hit_row = $4, hit_time = $5, settled_at = now()
		WHERE id = $6 AND status = 'SETTLING'`,
		string(status), payout, hitPrice, hitRow, hitTime, betID)
	if err != nil {
		return false, fmt.Errorf("bet_repo.SettleOne: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Refund performs the conditional transition {PENDING,SETTLING} → REFUNDED
// (spec §4.11). Returns false when the bet already left those states.
func (r *BetRepository) Refund(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bets SET status = 'REFUNDED', settled_at = now()
		WHERE id = $1 AND status IN ('PENDING','SETTLING')`,
		betID)
	if err != nil {
		return false, fmt.Errorf("bet_repo.Refund: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSettling transitions a bet PENDING → SETTLING when it is handed off
// from the tick loop's drain step to the SettlementQueue, so a concurrently
// running compensation sweep never double-processes it.
func (r *BetRepository) MarkSettling(ctx context.Context, betID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bets SET status = 'SETTLING' WHERE id = $1 AND status = 'PENDING'`,
		betID)
	if err != nil {
		return false, fmt.Errorf("bet_repo.MarkSettling: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
