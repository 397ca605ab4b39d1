package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/ratelimit"
	"github.com/evetabi/prediction/internal/repository"
)

// PlaceBet runs the full bet admission pipeline (spec §4.10): validate,
// rate-limit, optimistic round-state and capacity pre-checks, an
// idempotency lookup, server-side multiplier computation, a risk
// reservation, a DB transaction that re-checks round status authoritatively
// and atomically debits the stake, and finally registration into the
// in-memory BetHeap. Generalized from the teacher's BetService.PlaceBet,
// which ran the equivalent steps for a pari-mutuel stake against a single
// market.
func (e *Engine) PlaceBet(ctx context.Context, limiter *ratelimit.Limiter, req domain.PlaceBetRequest) (*domain.Bet, error) {
	if err := validateRequest(req, e.cfg); err != nil {
		return nil, err
	}

	now := time.Now()
	snap := e.state.Read()
	if snap.Status != domain.RoundBetting {
		return nil, domain.ErrBettingClosed
	}

	elapsed := e.state.elapsedNow(now)
	if req.TargetTime < elapsed+domain.MinTargetTimeOffset {
		return nil, domain.ErrTargetTimePassed
	}

	if !req.IsPlayMode {
		user, err := e.users.GetByID(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if !user.Active {
			return nil, domain.ErrUserBanned
		}
		if user.Silenced {
			return nil, domain.ErrUserSilenced
		}
	}

	if limiter != nil && !req.IsPlayMode && !limiter.Allow(ctx, req.UserID.String()) {
		return nil, domain.ErrRateLimited
	}

	if !e.state.canAdmit(req.UserID, e.cfg.MaxBetsPerUser, e.cfg.MaxActiveBets) {
		return nil, domain.ErrMaxBetsReached
	}

	if existing, err := e.bets.GetByOrderID(ctx, req.OrderID); err == nil {
		if existing.UserID != req.UserID {
			return nil, domain.ErrDuplicateBet
		}
		return existing, nil // idempotent replay: same orderId returns the original bet
	} else if !errors.Is(err, domain.ErrBetNotFound) {
		return nil, fmt.Errorf("engine.PlaceBet: idempotency lookup: %w", err)
	}

	roundID := snap.RoundID
	multiplier := domain.ComputeMultiplier(snap.CurrentRow, req.TargetRow, req.TargetTime-elapsed)
	payout := domain.ComputePayout(req.Amount, multiplier)

	bet := &domain.Bet{
		ID:         uuid.New(),
		OrderID:    req.OrderID,
		UserID:     req.UserID,
		RoundID:    roundID,
		Asset:      e.cfg.Asset,
		Amount:     req.Amount,
		Multiplier: multiplier,
		TargetRow:  req.TargetRow,
		TargetTime: req.TargetTime,
		IsPlayMode: req.IsPlayMode,
		Status:     domain.BetPending,
		Payout:     payout,
		CreatedAt:  now,
	}

	netExposure := netPayoutExposure(bet)
	if !req.IsPlayMode {
		cap := e.roundPayoutCap(ctx)
		if err := e.risk.Reserve(ctx, roundID, bet.OrderID, netExposure, cap, e.cfg.LockTTL.Milliseconds()); err != nil {
			return nil, err
		}
	}

	if err := e.admitTx(ctx, roundID, bet); err != nil {
		if errors.Is(err, domain.ErrDuplicateBet) {
			// Lost a concurrent race on the same orderId: the other caller's
			// transaction committed first and holds the real row, including
			// the real risk reservation for this orderId — releasing it here
			// would delete the winner's reservation out from under it
			// (spec §4.10 step 11/14, scenario S3: "both callers receive
			// identical response"). Re-query and hand back the winning bet
			// instead of propagating the raw uniqueness-violation error.
			existing, lookupErr := e.bets.GetByOrderID(ctx, bet.OrderID)
			if lookupErr != nil {
				return nil, fmt.Errorf("engine.PlaceBet: duplicate lookup: %w", lookupErr)
			}
			if existing.UserID != bet.UserID {
				return nil, domain.ErrDuplicateBet
			}
			return existing, nil
		}
		if !req.IsPlayMode {
			_ = e.risk.Release(ctx, roundID, bet.OrderID)
		}
		return nil, err
	}

	if err := e.ledger.ApplyPoolDelta(ctx, bet.Asset, bet.Amount); err != nil {
		slog.Warn("engine: house pool credit on stake failed", "bet_id", bet.ID, "err", err)
	}

	e.state.registerBet(&ActiveBet{
		BetID:      bet.ID,
		OrderID:    bet.OrderID,
		UserID:     bet.UserID,
		TargetRow:  bet.TargetRow,
		TargetTime: bet.TargetTime,
		Amount:     bet.Amount,
		Multiplier: bet.Multiplier,
		Payout:     bet.Payout,
		IsPlayMode: bet.IsPlayMode,
		CreatedAt:  bet.CreatedAt,
	})

	e.broadcast.BroadcastBetConfirmed(bet)
	return bet, nil
}

// roundPayoutCap derives the live per-round payout ceiling (spec §4.5):
// the lesser of the statically configured cap and a ratio of the asset's
// current house-pool balance. A pool read failure falls back to the
// configured cap alone rather than blocking admission on a transient DB
// hiccup — RiskManager's reservation total is the authoritative brake
// either way.
func (e *Engine) roundPayoutCap(ctx context.Context) decimal.Decimal {
	cap := e.cfg.MaxRoundPayoutCap
	balance, err := e.ledger.PoolBalance(ctx, e.cfg.Asset)
	if err != nil {
		slog.Warn("engine: pool balance read failed, using static payout cap", "asset", e.cfg.Asset, "err", err)
		return cap
	}
	ratioCap := balance.Mul(e.cfg.MaxRoundPayoutRatio)
	if ratioCap.LessThan(cap) {
		return ratioCap
	}
	return cap
}

// netPayoutExposure is the amount the house stands to lose beyond the stake
// it already holds if this bet wins — what risk.Manager actually needs to
// cap, since the stake itself is already sitting in the house pool.
func netPayoutExposure(bet *domain.Bet) decimal.Decimal {
	net := bet.Payout.Sub(bet.Amount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// admitTx runs the authoritative, transactional half of admission: re-check
// the round is still BETTING in the database (the in-memory pre-check above
// is only optimistic), debit the stake, and insert the bet row — all or
// nothing.
func (e *Engine) admitTx(ctx context.Context, roundID uuid.UUID, bet *domain.Bet) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("engine.admitTx: begin: %w", err)
	}
	defer tx.Rollback()

	round, err := e.rounds.GetByID(ctx, roundID)
	if err != nil {
		return err
	}
	if !round.IsBetting() {
		return domain.ErrBettingClosed
	}

	if err := e.ledger.DebitStake(ctx, tx, bet.UserID, bet.Amount, bet.ID, bet.IsPlayMode); err != nil {
		return err
	}

	if err := e.bets.Create(ctx, tx, bet); err != nil {
		if repository.IsUniqueViolation(err) {
			return domain.ErrDuplicateBet
		}
		return err
	}

	return tx.Commit()
}

func validateRequest(req domain.PlaceBetRequest, cfg Config) error {
	if req.OrderID == "" {
		return domain.ErrInvalidOrderID
	}
	if req.Amount.LessThan(cfg.MinBetAmount) || req.Amount.GreaterThan(cfg.MaxBetAmount) ||
		!req.Amount.Equal(req.Amount.Round(2)) {
		return domain.ErrInvalidAmount
	}
	if req.TargetRow < 0 || req.TargetRow > domain.MaxRowIndex {
		return domain.ErrInvalidRow
	}
	if req.UserID == uuid.Nil {
		return domain.ErrInvalidRequest
	}
	return nil
}
