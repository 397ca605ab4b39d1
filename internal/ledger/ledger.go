// Package ledger is the only component permitted to mutate a user's
// balance or the per-asset HousePool. Every real-money mutation is paired
// with an append-only Transaction row in the same database transaction
// (spec §3 invariant: ordered sum of committed amounts equals the current
// real balance); play-mode mutations bypass the ledger entirely.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// maxPoolRetries bounds the optimistic-version retry loop on the HousePool
// before giving up and surfacing a conflict to the caller.
const maxPoolRetries = 5

// FinancialLedger wraps the user, ledger and house-pool repositories behind
// the conditional-predicate/optimistic-version mutation primitives every
// other package uses to move money. Grounded on the teacher's
// WalletRepository, restructured around a single conditional UPDATE per
// mutation instead of a row-lock-then-check pattern.
type FinancialLedger struct {
	db        *sqlx.DB
	users     *repository.UserRepository
	ledger    *repository.LedgerRepository
	housePool *repository.HousePoolRepository
}

// New constructs a FinancialLedger.
func New(db *sqlx.DB, users *repository.UserRepository, ledgerRepo *repository.LedgerRepository, housePool *repository.HousePoolRepository) *FinancialLedger {
	return &FinancialLedger{db: db, users: users, ledger: ledgerRepo, housePool: housePool}
}

// DebitStake atomically reserves a bet's stake against the user's balance
// (real or play mode) inside tx, appending a BET ledger entry for real-mode
// debits. Returns domain.ErrInsufficientBalance, not a generic false, so
// callers in the admission pipeline can map it straight to a client error
// code (spec §7).
func (l *FinancialLedger) DebitStake(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount decimal.Decimal, betID uuid.UUID, isPlayMode bool) error {
	if isPlayMode {
		ok, err := l.users.DebitPlay(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInsufficientBalance
		}
		return nil
	}

	before, err := l.users.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	ok, err := l.users.DebitReal(ctx, tx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInsufficientBalance
	}
	after := before.Balance.Sub(amount)
	entry := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          domain.TxBet,
		Amount:        amount.Neg(),
		BalanceBefore: before.Balance,
		BalanceAfter:  after,
		RelatedBetID:  &betID,
		Remark:        "bet stake reserved",
		Status:        domain.TxStatusCompleted,
		CompletedAt:   nowUTC(),
	}
	return l.ledger.Append(ctx, tx, entry)
}

// CreditSettlement applies a bet's outcome to a user's balance: a WIN
// credits payout, a LOSS credits nothing but still updates stats, and a
// REFUND returns the original stake. isPlayMode mutations never touch the
// ledger table. Runs inside tx so it composes with the caller's batch.
func (l *FinancialLedger) CreditSettlement(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, betID uuid.UUID, amount, payout decimal.Decimal, txType domain.TxType, isPlayMode bool) error {
	if isPlayMode {
		switch txType {
		case domain.TxWin:
			return l.users.CreditPlay(ctx, tx, userID, payout)
		case domain.TxRefund:
			return l.users.CreditPlay(ctx, tx, userID, amount)
		default:
			return nil
		}
	}

	before, err := l.users.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}

	var credited decimal.Decimal
	switch txType {
	case domain.TxWin:
		credited = payout
		if err := l.users.CreditReal(ctx, tx, userID, payout, true); err != nil {
			return err
		}
	case domain.TxRefund:
		credited = amount
		if err := l.users.CreditReal(ctx, tx, userID, amount, true); err != nil {
			return err
		}
	case domain.TxLoss:
		if err := l.users.CreditReal(ctx, tx, userID, decimal.Zero, false); err != nil {
			return err
		}
		entry := &domain.Transaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          domain.TxLoss,
			Amount:        decimal.Zero,
			BalanceBefore: before.Balance,
			BalanceAfter:  before.Balance,
			RelatedBetID:  &betID,
			Remark:        "bet lost",
			Status:        domain.TxStatusCompleted,
			CompletedAt:   nowUTC(),
		}
		return l.ledger.Append(ctx, tx, entry)
	}

	entry := &domain.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Amount:        credited,
		BalanceBefore: before.Balance,
		BalanceAfter:  before.Balance.Add(credited),
		RelatedBetID:  &betID,
		Remark:        string(txType) + " settled",
		Status:        domain.TxStatusCompleted,
		CompletedAt:   nowUTC(),
	}
	return l.ledger.Append(ctx, tx, entry)
}

// PoolBalance reads an asset's current HousePool balance, used by
// internal/risk to derive a round's payout cap from live pool liquidity
// rather than only a static configured ceiling (spec §4.5).
func (l *FinancialLedger) PoolBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	pool, err := l.housePool.GetByAsset(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.PoolBalance: %w", err)
	}
	return pool.Balance, nil
}

// ApplyPoolDelta applies a signed delta to an asset's HousePool with the
// optimistic-version retry loop: on a version conflict it waits a short delay
// that grows with each attempt, re-reads the pool and retries, making up to
// maxPoolRetries attempts before returning
// domain.ErrPoolConflict. Runs in its own short transaction per attempt so a
// conflict never aborts the caller's larger transaction.
func (l *FinancialLedger) ApplyPoolDelta(ctx context.Context, asset string, delta decimal.Decimal) error {
	for attempt := 0; attempt < maxPoolRetries; attempt++ {
		pool, err := l.housePool.GetByAsset(ctx, asset)
		if err != nil {
			return fmt.Errorf("ledger.ApplyPoolDelta: read pool: %w", err)
		}

		ok, err := func() (bool, error) {
			tx, err := l.db.BeginTxx(ctx, nil)
			if err != nil {
				return false, err
			}
			defer tx.Rollback()

			applied, err := l.housePool.ApplyDelta(ctx, tx, asset, delta, pool.Version)
			if err != nil {
				return false, err
			}
			if !applied {
				return false, nil
			}
			return true, tx.Commit()
		}()
		if err != nil {
			return fmt.Errorf("ledger.ApplyPoolDelta: %w", err)
		}
		if ok {
			return nil
		}
		// version conflict: another settlement batch won this round; back off,
		// then re-read and retry
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return domain.ErrPoolConflict
}

func nowUTC() time.Time { return time.Now().UTC() }
