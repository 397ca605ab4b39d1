// Package settlement resolves bet outcomes into balance and ledger changes
// asynchronously, in batches, off the engine's tick-loop goroutine.
// Generalized from the teacher's internal/service/resolution_service.go
// (ResolveExpiredMarkets/resolveMarket/calculatePayout), which settled a
// pari-mutuel market synchronously and in full on every market's close; here
// settlement is channel-fed, batched across bets from potentially many
// rounds, and retried independently of the engine that produced the outcome.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/ledger"
	"github.com/evetabi/prediction/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// maxRetries bounds how many times a batch is retried before its entries
// are logged and dropped to the compensation sweeper's next pass.
const maxRetries = 3

// Outcome is a fully-decided bet result handed off by the engine once a
// bet's trajectory has resolved (hit, missed, or round cancelled).
type Outcome struct {
	Bet    *domain.Bet
	Status domain.BetStatus // BetWon, BetLost, or BetRefunded
	Payout decimal.Decimal
	Hit    *domain.HitDetails
}

// RiskReleaser is the narrow interface settlement needs from internal/risk,
// declared here to avoid an import cycle with internal/engine.
type RiskReleaser interface {
	Release(ctx context.Context, roundID uuid.UUID, orderID string) error
}

// Emitter is the narrow interface settlement needs from internal/gateway,
// declared here (not in gateway) to avoid an import cycle — the same
// pattern internal/engine uses for its own Broadcaster. Called only after a
// bet's settlement row has actually committed, so a client's bet:settled /
// bet:refunded event always reflects durable state rather than a
// speculative in-flight outcome.
type Emitter interface {
	EmitBetSettled(o Outcome)
}

// Queue batches outcomes and commits them through the ledger, the bet
// repository, and the risk manager.
type Queue struct {
	db     *sqlx.DB
	ledger *ledger.FinancialLedger
	bets   *repository.BetRepository
	risk   RiskReleaser
	emit   Emitter // optional; nil disables event emission (e.g. in tests)

	outcomes      chan Outcome
	batchSize     int
	batchInterval time.Duration

	active atomic.Bool // true while a batch commit is in flight
}

// Config bundles a Queue's tunables.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	QueueCapacity int
}

// New constructs a Queue. Run must be called to start its worker. emit may
// be nil; callers that don't need realtime push (tests, offline tooling)
// can skip wiring a gateway.
func New(db *sqlx.DB, fl *ledger.FinancialLedger, bets *repository.BetRepository, risk RiskReleaser, emit Emitter, cfg Config) *Queue {
	return &Queue{
		db:            db,
		ledger:        fl,
		bets:          bets,
		risk:          risk,
		emit:          emit,
		outcomes:      make(chan Outcome, cfg.QueueCapacity),
		batchSize:     cfg.BatchSize,
		batchInterval: cfg.BatchInterval,
	}
}

// Submit enqueues a decided outcome for batched settlement. Blocks only if
// the queue is full, which signals the engine to slow its admission rate
// rather than silently dropping an outcome.
func (q *Queue) Submit(ctx context.Context, o Outcome) {
	select {
	case q.outcomes <- o:
	case <-ctx.Done():
	}
}

// Flush spin-waits until the queue is empty and no batch commit is active,
// or until timeout elapses, returning whether it drained in time (spec
// §4.7's flushQueue). Called by the engine at round end with a bounded wait
// so endRound doesn't block forever on a stuck batch — the compensation
// sweeper is the backstop for whatever is still outstanding when it gives up.
func (q *Queue) Flush(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(q.outcomes) == 0 && !q.active.Load() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Run drains the outcome channel into fixed-size batches on batchInterval
// until ctx is cancelled, flushing whatever is pending on shutdown.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.batchInterval)
	defer ticker.Stop()

	batch := make([]Outcome, 0, q.batchSize)
	for {
		select {
		case <-ctx.Done():
			q.flush(context.Background(), batch)
			q.drainRemaining(context.Background())
			return
		case o := <-q.outcomes:
			batch = append(batch, o)
			if len(batch) >= q.batchSize {
				q.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// drainRemaining flushes whatever is still queued when shutting down, one
// final batch at a time, without waiting for the ticker.
func (q *Queue) drainRemaining(ctx context.Context) {
	for {
		select {
		case o := <-q.outcomes:
			q.flush(ctx, []Outcome{o})
		default:
			return
		}
	}
}

// flush commits a batch with bounded retry and exponential backoff. A batch
// that still fails after maxRetries is logged for the compensation sweeper
// to pick up later rather than blocking the queue indefinitely.
func (q *Queue) flush(ctx context.Context, batch []Outcome) {
	if len(batch) == 0 {
		return
	}
	q.active.Store(true)
	defer q.active.Store(false)
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = q.commit(ctx, batch)
		if err == nil {
			return
		}
		slog.Warn("settlement batch commit failed, retrying", "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	slog.Error("settlement batch exhausted retries, leaving for compensation sweep", "size", len(batch), "err", err)
}

// commit runs every batch item's bet-row transition AND its balance credit
// inside one shared transaction (spec §4.7 steps 2-4: "in a single DB
// transaction ... after per-bet updates, apply per-user aggregated balance
// change ... commit"). Keeping both halves in the same transaction is what
// makes a whole-batch retry safe: either nothing in this batch committed (so
// retrying from scratch double-applies nothing), or everything did (so a
// retry never runs at all). Splitting these into separate transactions, as
// an earlier version of this function did, let a transient failure in one
// bet's row update leave an already-committed balance credit behind for a
// batch-wide retry to apply a second time.
func (q *Queue) commit(ctx context.Context, batch []Outcome) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement.commit: begin: %w", err)
	}
	defer tx.Rollback()

	applied := make([]Outcome, 0, len(batch))
	for _, o := range batch {
		var ok bool
		var err error
		if o.Status == domain.BetRefunded {
			ok, err = q.bets.Refund(ctx, tx, o.Bet.ID)
		} else {
			ok, err = q.bets.SettleOne(ctx, tx, o.Bet.ID, o.Status, o.Payout, o.Hit)
		}
		if err != nil {
			return fmt.Errorf("settlement.commit: settle bet %s: %w", o.Bet.ID, err)
		}
		if !ok {
			// already settled by a prior attempt (compensation sweep or an
			// earlier partially-retried batch) — skip it entirely, balance
			// credit included, rather than crediting it a second time.
			continue
		}
		applied = append(applied, o)
	}

	for _, o := range applied {
		if err := q.ledger.CreditSettlement(ctx, tx, o.Bet.UserID, o.Bet.ID, o.Bet.Amount, o.Payout, outcomeTxType(o.Status), o.Bet.IsPlayMode); err != nil {
			return fmt.Errorf("settlement.commit: credit user %s: %w", o.Bet.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settlement.commit: %w", err)
	}

	for _, o := range applied {
		if !o.Bet.IsPlayMode {
			if err := q.risk.Release(ctx, o.Bet.RoundID, o.Bet.OrderID); err != nil {
				slog.Warn("settlement: risk release failed", "bet_id", o.Bet.ID, "err", err)
			}
		}
		if !o.Bet.IsPlayMode {
			if err := q.applyPoolDelta(ctx, o); err != nil {
				slog.Error("settlement: house pool delta failed", "bet_id", o.Bet.ID, "err", err)
			}
		}
		if q.emit != nil {
			q.emit.EmitBetSettled(o)
		}
	}
	return nil
}

// applyPoolDelta debits the payout from the house pool on a win (the stake
// was already credited to the pool at admission) or takes the stake back out
// of the pool on a refund. A loss needs no pool adjustment: the house simply keeps the
// stake it was credited at admission.
func (q *Queue) applyPoolDelta(ctx context.Context, o Outcome) error {
	switch o.Status {
	case domain.BetWon:
		if o.Payout.IsZero() {
			return nil
		}
		return q.ledger.ApplyPoolDelta(ctx, o.Bet.Asset, o.Payout.Neg())
	case domain.BetRefunded:
		if o.Bet.Amount.IsZero() {
			return nil
		}
		return q.ledger.ApplyPoolDelta(ctx, o.Bet.Asset, o.Bet.Amount.Neg())
	default:
		return nil
	}
}

func outcomeTxType(status domain.BetStatus) domain.TxType {
	switch status {
	case domain.BetWon:
		return domain.TxWin
	case domain.BetRefunded:
		return domain.TxRefund
	default:
		return domain.TxLoss
	}
}
