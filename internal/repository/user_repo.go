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

// UserRepository handles all database operations for Users.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID fetches a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByID: %w", err)
	}
	return &u, nil
}

// GetForUpdate fetches a user row with a row lock, for use inside the
// admission transaction where Balance/PlayBalance must be read and then
// conditionally debited atomically.
func (r *UserRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := tx.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetForUpdate: %w", err)
	}
	return &u, nil
}

// DebitReal conditionally subtracts amount from a user's real balance. The
// predicate `WHERE balance >= amount` is the only permitted way to debit a
// stake (spec §4.10 step 10) — it is what makes the operation safe without a
// preceding row lock outside of a single statement. Returns false (not an
// error) when the balance was insufficient.
func (r *UserRepository) DebitReal(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - $1, total_bets = total_bets + 1, updated_at = now()
		WHERE id = $2 AND balance >= $1`,
		amount, id)
	if err != nil {
		return false, fmt.Errorf("user_repo.DebitReal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DebitPlay is the play-mode equivalent of DebitReal. It changes only
// play_balance; total_bets and the other stats are left untouched.
func (r *UserRepository) DebitPlay(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET play_balance = play_balance - $1, updated_at = now()
		WHERE id = $2 AND play_balance >= $1`,
		amount, id)
	if err != nil {
		return false, fmt.Errorf("user_repo.DebitPlay: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CreditReal updates a user's real balance and win/loss stats as an
// unconditional operation — used by settlement, which never needs to reject
// a credit. With isWin it adds amount to balance and total_profit and bumps
// total_wins; without it the balance is unchanged, total_losses is bumped and
// amount is subtracted from total_profit.
func (r *UserRepository) CreditReal(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, amount decimal.Decimal, isWin bool) error {
	var query string
	if isWin {
		query = `
			UPDATE users
			SET balance = balance + $1, total_wins = total_wins + 1,
			    total_profit = total_profit + $1, updated_at = now()
			WHERE id = $2`
	} else {
		query = `
			UPDATE users
			SET total_losses = total_losses + 1, total_profit = total_profit - $1, updated_at = now()
			WHERE id = $2`
	}
	if _, err := tx.ExecContext(ctx, query, amount, id); err != nil {
		return fmt.Errorf("user_repo.CreditReal: %w", err)
	}
	return nil
}

// EnsureAnonymous inserts a disposable play-mode user row for an anonymous
// gateway connection if one does not already exist yet, mirroring
// HousePoolRepository.EnsureExists. Anonymous sessions (spec §9) never touch
// Balance or the ledger — only PlayBalance is seeded so DebitPlay/CreditPlay
// have a row to operate on.
func (r *UserRepository) EnsureAnonymous(ctx context.Context, id uuid.UUID, playBalance decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, balance, play_balance, active, created_at, updated_at)
		VALUES ($1, 0, $2, true, now(), now())
		ON CONFLICT (id) DO NOTHING`, id, playBalance)
	if err != nil {
		return fmt.Errorf("user_repo.EnsureAnonymous: %w", err)
	}
	return nil
}

// CreditPlay adds amount to a user's play balance, unconditionally.
func (r *UserRepository) CreditPlay(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET play_balance = play_balance + $1, updated_at = now() WHERE id = $2`,
		amount, id); err != nil {
		return fmt.Errorf("user_repo.CreditPlay: %w", err)
	}
	return nil
}
