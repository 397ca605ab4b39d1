// Package engine owns one asset's round lifecycle: the deterministic tick
// loop that drives a round from BETTING through RUNNING to SETTLING/
// COMPLETED, and the bet admission pipeline that stakes are reserved
// through. Generalized from the teacher's internal/service/{bet_service,
// market_service,mm_service}.go: PlaceBet's tx-scoped admission pipeline is
// the direct ancestor of PlaceBet/admitTx in admission.go; MarketService's in-memory cache
// idiom grounds GameState; Dragoon4002-crash-backend's single-goroutine
// loop grounds the fixed-interval Run below.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/ledger"
	"github.com/evetabi/prediction/internal/lock"
	"github.com/evetabi/prediction/internal/pricefeed"
	"github.com/evetabi/prediction/internal/repository"
	"github.com/evetabi/prediction/internal/settlement"
	"github.com/evetabi/prediction/internal/snapshot"
)

// PriceSource is the narrow view of internal/pricefeed the engine needs,
// declared here (rather than depending on *pricefeed.Feed everywhere) so
// tests can substitute a fake feed without standing up a websocket server.
type PriceSource interface {
	LastPrice() (decimal.Decimal, bool)
	StatusNow() pricefeed.Status
}

// Locker is the narrow view of internal/lock the engine needs.
type Locker interface {
	AcquireRound(ctx context.Context, roundID uuid.UUID, ttl time.Duration) (*lock.Lease, error)
	AcquireBet(ctx context.Context, betID uuid.UUID, ttl time.Duration) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) error
	Extend(ctx context.Context, lease *lock.Lease, ttl time.Duration) error
}

// RiskReserver is the narrow view of internal/risk the engine needs.
type RiskReserver interface {
	Reserve(ctx context.Context, roundID uuid.UUID, orderID string, potentialPayout, cap decimal.Decimal, ttlMillis int64) error
	Release(ctx context.Context, roundID uuid.UUID, orderID string) error
	Clear(ctx context.Context, roundID uuid.UUID) error
}

// CompensationSweeper is the narrow view of internal/settlement.Sweeper the
// engine needs to run an immediate reconciliation pass at round end, on top
// of the Sweeper's own periodic background pass (spec §4.7).
type CompensationSweeper interface {
	SweepRound(ctx context.Context, roundID uuid.UUID) (int, error)
}

// Broadcaster is the narrow view of internal/gateway the engine pushes
// round/tick/bet-confirmation events through, declared here (not in
// gateway) to avoid an import cycle — the same pattern as the teacher's
// WsHub interface. Terminal bet outcomes (bet:settled, bet:refunded) are
// emitted by internal/settlement's own Emitter instead, after the
// settlement transaction actually commits, not speculatively here.
type Broadcaster interface {
	BroadcastTick(asset string, snap Snapshot)
	BroadcastRoundStart(asset string, snap Snapshot)
	BroadcastRoundEnd(asset string, roundID uuid.UUID)
	BroadcastRoundCancelled(asset string, roundID uuid.UUID, reason string)
	BroadcastBetConfirmed(bet *domain.Bet)
}

// Config bundles one asset's round tunables (spec §6).
type Config struct {
	Asset               string
	BettingDuration     time.Duration
	MaxDuration         time.Duration
	TickInterval        time.Duration
	MinBetAmount        decimal.Decimal
	MaxBetAmount        decimal.Decimal
	MaxBetsPerUser      int
	MaxActiveBets       int
	MaxRoundPayoutCap   decimal.Decimal
	MaxRoundPayoutRatio decimal.Decimal
	LockTTL             time.Duration
	HitTolerance        float64 // rows; spec §6 hitTolerance, default 0.4
}

const statusCritical = pricefeed.StatusCritical

// Engine drives exactly one asset's rounds end to end.
type Engine struct {
	cfg Config

	db        *sqlx.DB
	rounds    *repository.RoundRepository
	bets      *repository.BetRepository
	users     *repository.UserRepository
	ledger    *ledger.FinancialLedger
	risk      RiskReserver
	lockSvc   Locker
	feed      PriceSource
	queue     *settlement.Queue
	broadcast Broadcaster
	buffer    *snapshot.Buffer // optional; nil disables tick snapshotting
	sweeper   CompensationSweeper // optional; nil skips the round-end immediate sweep

	state *GameState
}

// New constructs an Engine for one asset. Run must be called to drive it.
func New(
	cfg Config,
	db *sqlx.DB,
	rounds *repository.RoundRepository,
	bets *repository.BetRepository,
	users *repository.UserRepository,
	fl *ledger.FinancialLedger,
	risk RiskReserver,
	lockSvc Locker,
	feed PriceSource,
	queue *settlement.Queue,
	broadcast Broadcaster,
	buffer *snapshot.Buffer,
	sweeper CompensationSweeper,
) *Engine {
	return &Engine{
		cfg:       cfg,
		db:        db,
		rounds:    rounds,
		bets:      bets,
		users:     users,
		ledger:    fl,
		risk:      risk,
		lockSvc:   lockSvc,
		feed:      feed,
		queue:     queue,
		broadcast: broadcast,
		buffer:    buffer,
		sweeper:   sweeper,
		state:     newGameState(cfg.Asset),
	}
}

// Snapshot exposes the engine's current read-only state, used by the
// gateway's snapshot-on-connect payload and the round-history read-model.
func (e *Engine) Snapshot() Snapshot { return e.state.Read() }

// Run drives round after round until ctx is cancelled: start a round, tick
// it until it ends, finalize it, and immediately start the next one. A
// failure to acquire the round lock (another instance already owns this
// asset) backs off and retries rather than treating it as fatal.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.runOneRound(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("engine round failed", "asset", e.cfg.Asset, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (e *Engine) runOneRound(ctx context.Context) error {
	if e.feed.StatusNow() >= statusCritical {
		slog.Warn("engine waiting for price feed before starting round", "asset", e.cfg.Asset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		return nil
	}

	round, lease, err := e.startRound(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if lease != nil {
			_ = e.lockSvc.Release(context.Background(), lease)
		}
	}()

	e.broadcast.BroadcastRoundStart(e.cfg.Asset, e.state.Read())
	cancelled, reason := e.runTickLoop(ctx, lease)
	if cancelled {
		return e.cancelRound(ctx, round.ID, reason)
	}
	return e.endRound(ctx, round.ID)
}

func (e *Engine) startRound(ctx context.Context) (*domain.Round, *lock.Lease, error) {
	price, ok := e.feed.LastPrice()
	if !ok {
		return nil, nil, domain.ErrPriceUnavailable
	}

	round := &domain.Round{
		ID:         uuid.New(),
		Asset:      e.cfg.Asset,
		Status:     domain.RoundBetting,
		StartPrice: price,
		StartedAt:  time.Now(),
	}
	lease, err := e.lockSvc.AcquireRound(ctx, round.ID, e.cfg.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("engine.startRound: acquire lock: %w", err)
	}
	if lease == nil {
		return nil, nil, fmt.Errorf("engine.startRound: round lock contested")
	}

	if err := e.rounds.Create(ctx, round); err != nil {
		_ = e.lockSvc.Release(ctx, lease)
		return nil, nil, fmt.Errorf("engine.startRound: %w", err)
	}

	e.state.startRound(round.ID, price, round.StartedAt, e.cfg.BettingDuration, e.cfg.MaxDuration)
	return round, lease, nil
}

// runTickLoop drives one round tick by tick until it ends naturally (max
// duration reached) or the price feed goes critical mid-round, in which
// case it returns cancelled=true so the caller cancels the round instead of
// finalizing it (spec §4.9, scenario S5).
func (e *Engine) runTickLoop(ctx context.Context, lease *lock.Lease) (cancelled bool, reason string) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	extendEvery := e.cfg.LockTTL / 2
	lastExtend := time.Now()
	lastSnapshotElapsed := -domain.SnapshotMinElapsedGap // force the first tick's sample through
	var lastBroadcastAt time.Time

	for {
		select {
		case <-ctx.Done():
			return false, ""
		case now := <-ticker.C:
			if e.feed.StatusNow() >= statusCritical {
				return true, "price feed unavailable"
			}
			price, ok := e.feed.LastPrice()
			if !ok {
				continue
			}

			wasBetting := e.state.isBetting()
			elapsed, currentRow := e.state.Tick(price, now)
			if wasBetting && !e.state.isBetting() {
				if _, err := e.rounds.TransitionStatus(ctx, e.state.currentRoundID(), domain.RoundBetting, domain.RoundRunning); err != nil {
					slog.Warn("engine: BETTING→RUNNING transition failed", "asset", e.cfg.Asset, "err", err)
				}
			}
			e.drainDue(ctx, elapsed, currentRow, price, now)
			e.state.CommitRow()

			if e.buffer != nil && elapsed-lastSnapshotElapsed >= domain.SnapshotMinElapsedGap {
				e.buffer.Add(domain.PriceSnapshot{
					RoundID:   e.state.currentRoundID(),
					Elapsed:   elapsed,
					Price:     price,
					Row:       currentRow,
					Timestamp: now,
				})
				lastSnapshotElapsed = elapsed
			}

			if now.Sub(lastBroadcastAt) >= domain.StateUpdateMinGap {
				e.broadcast.BroadcastTick(e.cfg.Asset, e.state.Read())
				lastBroadcastAt = now
			}

			if now.Sub(lastExtend) >= extendEvery {
				_ = e.lockSvc.Extend(ctx, lease, e.cfg.LockTTL)
				lastExtend = now
			}
			if e.state.pastMaxDuration(now) {
				return false, ""
			}
		}
	}
}

// drainDue implements spec §4.8's drain algorithm: repeatedly peek the
// earliest-targetTime bet and decide, bounded by MaxSettlementsPerTick so a
// pile-up of due bets can never stall a tick indefinitely.
//
//   - if the heap is empty, or its top's targetTime is still more than
//     HitTimeTolerance seconds in the future, stop — nothing is due yet.
//   - if elapsed has moved more than MissTimeBuffer seconds past the bet's
//     targetTime without a hit, pop it and settle as a miss.
//   - otherwise, while elapsed is within HitTimeTolerance of the bet's
//     targetTime, pop it and settle as a hit if its targetRow fell between
//     prevRow and currentRow (inclusive of HitTolerance rows of slack on
//     both sides); if it did not, put it back and stop for this tick.
func (e *Engine) drainDue(ctx context.Context, elapsed, currentRow float64, price decimal.Decimal, now time.Time) {
	prevRow, _ := e.state.RowWindow()
	lowRow, highRow := prevRow, currentRow
	if lowRow > highRow {
		lowRow, highRow = highRow, lowRow
	}
	lowRow -= e.cfg.HitTolerance
	highRow += e.cfg.HitTolerance

	settled := 0
	for settled < domain.MaxSettlementsPerTick {
		ab, ok := e.state.peekTop()
		if !ok {
			return
		}
		if ab.TargetTime > elapsed+domain.HitTimeTolerance {
			return // earliest remaining bet's window hasn't opened yet
		}

		popped, ok := e.state.popTop()
		if !ok {
			return
		}
		settled++

		late := elapsed > popped.TargetTime+domain.MissTimeBuffer
		inWindow := elapsed <= popped.TargetTime+domain.HitTimeTolerance
		hit := inWindow && popped.TargetRow >= lowRow && popped.TargetRow <= highRow
		if !hit && !late {
			// inside the window but not yet past the miss buffer and not a
			// hit this tick: re-push and let a later tick re-evaluate, since
			// the trajectory may still cross the target row before the
			// buffer elapses.
			e.state.registerBet(popped)
			return
		}

		e.settleResolved(ctx, popped, hit, currentRow, price, elapsed)
	}
	slog.Warn("engine: hit per-tick settlement cap, deferring remainder", "asset", e.cfg.Asset, "limit", domain.MaxSettlementsPerTick)
}

// settleResolved marks a drained bet SETTLING and hands it off to the
// settlement queue once its outcome (hit or miss) is decided. It emits
// nothing itself: bet:settled goes out from internal/settlement after the
// settlement transaction commits.
func (e *Engine) settleResolved(ctx context.Context, ab *ActiveBet, hit bool, row float64, price decimal.Decimal, elapsed float64) {
	ok, err := e.bets.MarkSettling(ctx, ab.BetID)
	if err != nil || !ok {
		return // already being handled by a concurrent sweep or duplicate tick
	}
	bet, err := e.bets.GetByID(ctx, ab.BetID)
	if err != nil {
		slog.Error("engine: resolve bet lookup failed", "bet_id", ab.BetID, "err", err)
		return
	}

	status := domain.BetLost
	payout := decimal.Zero
	var hitDetails *domain.HitDetails
	if hit {
		status = domain.BetWon
		payout = bet.Payout
		hitDetails = &domain.HitDetails{Price: price, Row: row, Time: elapsed}
	}

	e.queue.Submit(ctx, settlement.Outcome{
		Bet:    bet,
		Status: status,
		Payout: payout,
		Hit:    hitDetails,
	})
}

// settlementFlushTimeout bounds how long endRound/cancelRound wait for the
// settlement queue to drain before finalizing anyway (spec §4.7's
// flushQueue default ≈30s); the compensation sweeper reconciles whatever is
// still outstanding once this ceiling is hit.
const settlementFlushTimeout = 30 * time.Second

// snapshotFlushTimeout bounds the round-end snapshot drain (spec §4.6).
const snapshotFlushTimeout = 5 * time.Second

// endRound transitions the round to SETTLING, settles any bets still
// outstanding as wins or losses against the end-of-round row
// (resolveRemaining), drains the
// settlement queue and snapshot buffer with a bounded wait, runs an
// immediate compensation sweep for this round, and finalizes it COMPLETED
// (spec §4.9).
func (e *Engine) endRound(ctx context.Context, roundID uuid.UUID) error {
	ok, err := e.rounds.TransitionStatusIn(ctx, roundID,
		[]domain.RoundStatus{domain.RoundBetting, domain.RoundRunning}, domain.RoundSettling)
	if err != nil {
		return fmt.Errorf("engine.endRound: transition: %w", err)
	}
	if !ok {
		return nil // already transitioned by a concurrent sweep
	}
	e.state.setStatus(domain.RoundSettling)
	snap := e.state.Read()
	price, _ := e.feed.LastPrice()
	e.resolveRemaining(ctx, snap.CurrentRow, price, snap.Elapsed)

	if !e.queue.Flush(ctx, settlementFlushTimeout) {
		slog.Warn("engine: settlement queue did not drain in time, leaving stragglers to the compensation sweep", "round_id", roundID)
	}
	if e.buffer != nil && !e.buffer.Flush(ctx, snapshotFlushTimeout) {
		slog.Warn("engine: snapshot buffer did not drain in time at round end", "round_id", roundID)
	}
	e.runCompensationSweep(ctx, roundID)

	e.broadcast.BroadcastRoundEnd(e.cfg.Asset, roundID)
	if err := e.risk.Clear(ctx, roundID); err != nil {
		slog.Warn("engine: risk clear failed", "round_id", roundID, "err", err)
	}

	if _, err := e.rounds.Finalize(ctx, roundID, price, 0, decimal.Zero, decimal.Zero); err != nil {
		return fmt.Errorf("engine.endRound: finalize: %w", err)
	}
	return nil
}

// runCompensationSweep resolves any bet this round's own drain and refund
// passes missed — e.g. a row already claimed by a concurrent sweep attempt
// between MarkSettling and GetByID failing silently above. Best-effort: a
// sweep failure here is not fatal, since the Sweeper's own periodic Run pass
// will retry it on its own schedule (spec §4.7, scenario S6).
func (e *Engine) runCompensationSweep(ctx context.Context, roundID uuid.UUID) {
	if e.sweeper == nil {
		return
	}
	if _, err := e.sweeper.SweepRound(ctx, roundID); err != nil {
		slog.Warn("engine: round-end compensation sweep failed", "round_id", roundID, "err", err)
	}
}

// cancelRound aborts a round mid-flight (spec §4.9): transitions it
// CANCELLED instead of COMPLETED and refunds every bet still open, since a
// cancelled round's trajectory can no longer be trusted to judge a hit.
func (e *Engine) cancelRound(ctx context.Context, roundID uuid.UUID, reason string) error {
	ok, err := e.rounds.TransitionStatusIn(ctx, roundID,
		[]domain.RoundStatus{domain.RoundBetting, domain.RoundRunning}, domain.RoundSettling)
	if err != nil {
		return fmt.Errorf("engine.cancelRound: transition: %w", err)
	}
	if ok {
		e.state.setStatus(domain.RoundSettling)
		e.refundRemaining(ctx)
		if !e.queue.Flush(ctx, settlementFlushTimeout) {
			slog.Warn("engine: settlement queue did not drain in time before cancellation finalized", "round_id", roundID)
		}
		e.runCompensationSweep(ctx, roundID)
		if err := e.risk.Clear(ctx, roundID); err != nil {
			slog.Warn("engine: risk clear failed", "round_id", roundID, "err", err)
		}
	}

	if _, err := e.rounds.FinalizeCancelled(ctx, roundID); err != nil {
		return fmt.Errorf("engine.cancelRound: finalize: %w", err)
	}
	slog.Warn("engine: round cancelled", "asset", e.cfg.Asset, "round_id", roundID, "reason", reason)
	e.broadcast.BroadcastRoundCancelled(e.cfg.Asset, roundID, reason)
	return nil
}

// resolveRemaining drains every bet still resident in the heap/map at a
// round's natural end and settles each as a win or loss against the
// end-of-round snapshot row, per spec §4.9's endRound: bets that never
// reached their targetTime when maxDuration was hit are judged exactly as
// the tick loop would have judged them, using the final row as a stand-in
// for "the trajectory never moved again." Unlike cancelRound's
// refundRemaining, these bets already lived through a trustworthy
// trajectory for their whole life — only their evaluation point shifts to
// round-end instead of their own targetTime.
func (e *Engine) resolveRemaining(ctx context.Context, finalRow float64, price decimal.Decimal, elapsed float64) {
	remaining := e.state.drainAll()
	lowRow, highRow := finalRow-e.cfg.HitTolerance, finalRow+e.cfg.HitTolerance
	for _, ab := range remaining {
		hit := ab.TargetRow >= lowRow && ab.TargetRow <= highRow
		e.settleResolved(ctx, ab, hit, finalRow, price, elapsed)
	}
}

// refundRemaining drains every bet still resident in the heap/map and
// submits each as a refund outcome, used by cancelRound: a cancelled
// round's trajectory can no longer be trusted to judge a hit, so every
// outstanding bet is made whole instead of settled.
func (e *Engine) refundRemaining(ctx context.Context) {
	remaining := e.state.drainAll()
	for _, ab := range remaining {
		ok, err := e.bets.MarkSettling(ctx, ab.BetID)
		if err != nil || !ok {
			continue
		}
		bet, err := e.bets.GetByID(ctx, ab.BetID)
		if err != nil {
			continue
		}
		e.queue.Submit(ctx, settlement.Outcome{
			Bet:    bet,
			Status: domain.BetRefunded,
		})
	}
}

// Refund cancels a single still-pending bet before its targetTime arrives
// (spec §4.11), used by the gateway on an explicit client cancel request.
// Returns domain.ErrBetNotFound if the bet is no longer tracked in memory
// (already drained by the tick loop or a round transition).
func (e *Engine) Refund(ctx context.Context, betID uuid.UUID) error {
	ab := e.state.removeForRefund(betID)
	if ab == nil {
		return domain.ErrBetNotFound
	}

	ok, err := e.bets.MarkSettling(ctx, betID)
	if err != nil {
		return fmt.Errorf("engine.Refund: %w", err)
	}
	if !ok {
		return domain.ErrBetNotPending
	}

	bet, err := e.bets.GetByID(ctx, betID)
	if err != nil {
		return fmt.Errorf("engine.Refund: %w", err)
	}

	e.queue.Submit(ctx, settlement.Outcome{
		Bet:    bet,
		Status: domain.BetRefunded,
	})
	return nil
}
