package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// RoundRepository handles all database operations for Rounds.
type RoundRepository struct {
	db *sqlx.DB
}

// NewRoundRepository creates a new RoundRepository.
func NewRoundRepository(db *sqlx.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// Create inserts a new round with status=BETTING.
func (r *RoundRepository) Create(ctx context.Context, round *domain.Round) error {
	query := `
		INSERT INTO rounds
			(id, asset, status, start_price, started_at, total_bets, total_volume, total_payout)
		VALUES
			(:id, :asset, :status, :start_price, :started_at, :total_bets, :total_volume, :total_payout)`
	if _, err := r.db.NamedExecContext(ctx, query, round); err != nil {
		return fmt.Errorf("round_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a round by its primary key.
func (r *RoundRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Round, error) {
	var round domain.Round
	err := r.db.GetContext(ctx, &round, `SELECT * FROM rounds WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRoundNotFound
		}
		return nil, fmt.Errorf("round_repo.GetByID: %w", err)
	}
	return &round, nil
}

// TransitionStatus performs the conditional status update
// `UPDATE rounds SET status=next WHERE id=? AND status=expected`, the
// mechanism that guarantees only one concurrent caller can perform a given
// lifecycle transition (spec §4.9). Returns true iff exactly one row changed.
func (r *RoundRepository) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next domain.RoundStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(next), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("round_repo.TransitionStatus: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TransitionStatusIn is like TransitionStatus but matches any of the given
// expected statuses in one statement (used by endRound, which may fire from
// either BETTING or RUNNING).
func (r *RoundRepository) TransitionStatusIn(ctx context.Context, id uuid.UUID, expected []domain.RoundStatus, next domain.RoundStatus) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE rounds SET status = ?, updated_at = now()
		WHERE id = ? AND status IN (?)`,
		string(next), id, toStrings(expected))
	if err != nil {
		return false, fmt.Errorf("round_repo.TransitionStatusIn: build query: %w", err)
	}
	query = r.db.Rebind(query)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("round_repo.TransitionStatusIn: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func toStrings(statuses []domain.RoundStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Finalize stamps a round COMPLETED with its end price and aggregate stats.
// Only applies if the round is currently SETTLING (conditional, like every
// other lifecycle write).
func (r *RoundRepository) Finalize(ctx context.Context, id uuid.UUID, endPrice decimal.Decimal, totalBets int, totalVolume, totalPayout decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds
		SET status = 'COMPLETED', end_price = $1, ended_at = now(), updated_at = now(),
		    total_bets = $2, total_volume = $3, total_payout = $4
		WHERE id = $5 AND status = 'SETTLING'`,
		endPrice, totalBets, totalVolume, totalPayout, id)
	if err != nil {
		return false, fmt.Errorf("round_repo.Finalize: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinalizeCancelled stamps a round CANCELLED. Like Finalize, conditional on
// the round still being SETTLING.
func (r *RoundRepository) FinalizeCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET status = 'CANCELLED', ended_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'SETTLING'`,
		id)
	if err != nil {
		return false, fmt.Errorf("round_repo.FinalizeCancelled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetSettlingRounds returns every round currently SETTLING, across all
// assets — consulted by the scheduled compensation sweep (spec §4.7) to
// catch rounds an engine crashed mid-settlement of.
func (r *RoundRepository) GetSettlingRounds(ctx context.Context) ([]*domain.Round, error) {
	var rounds []*domain.Round
	err := r.db.SelectContext(ctx, &rounds, `SELECT * FROM rounds WHERE status = 'SETTLING'`)
	if err != nil {
		return nil, fmt.Errorf("round_repo.GetSettlingRounds: %w", err)
	}
	return rounds, nil
}

// ListHistory returns the most recent rounds for an asset, newest first.
func (r *RoundRepository) ListHistory(ctx context.Context, asset string, limit, offset int) ([]*domain.Round, error) {
	var rounds []*domain.Round
	err := r.db.SelectContext(ctx, &rounds,
		`SELECT * FROM rounds WHERE asset = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		asset, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("round_repo.ListHistory: %w", err)
	}
	return rounds, nil
}
