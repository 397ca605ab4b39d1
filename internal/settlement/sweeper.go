package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/repository"
	"github.com/google/uuid"
)

// Sweeper periodically scans for rounds stuck SETTLING and bets stuck
// PENDING/SETTLING past their round's lifetime, refunding anything the
// primary tick-loop-driven settlement path failed to finish — the
// compensation pass spec §4.7 requires for crash recovery. Grounded on the
// teacher's ResolveExpiredMarkets, which served the same "catch anything
// the normal path missed" role for a synchronous settlement model.
type Sweeper struct {
	rounds *repository.RoundRepository
	bets   *repository.BetRepository
	queue  *Queue
	every  time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(rounds *repository.RoundRepository, bets *repository.BetRepository, queue *Queue, every time.Duration) *Sweeper {
	return &Sweeper{rounds: rounds, bets: bets, queue: queue, every: every}
}

// Run loops until ctx is cancelled, sweeping on a fixed interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				slog.Error("compensation sweep failed", "err", err)
			}
		}
	}
}

// sweepOnce finds every round still SETTLING (an engine crashed between
// locking the round and finalizing it) and refunds whatever bets under it
// are still PENDING or SETTLING, since the trajectory outcome for those
// bets can no longer be recomputed once the round's GameState is gone.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	rounds, err := s.rounds.GetSettlingRounds(ctx)
	if err != nil {
		return err
	}
	for _, round := range rounds {
		if err := s.sweepRound(ctx, round); err != nil {
			slog.Error("compensation sweep failed for round", "round_id", round.ID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepRound(ctx context.Context, round *domain.Round) error {
	n, err := s.SweepRound(ctx, round.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.rounds.FinalizeCancelled(ctx, round.ID); err != nil {
			return err
		}
	}
	return nil
}

// SweepRound runs a single immediate compensation pass over one round: every
// bet still PENDING/SETTLING in the database is refunded, since once a
// round's in-memory GameState is gone the trajectory needed to judge hit/miss
// can never be recomputed safely (spec §4.7, scenario S6). Exported so the
// engine can run this synchronously at round end/cancel, in addition to this
// Sweeper's own periodic Run pass over every round still stuck SETTLING.
// Returns the number of bets it found and queued for refund.
func (s *Sweeper) SweepRound(ctx context.Context, roundID uuid.UUID) (int, error) {
	pending, err := s.bets.GetPendingByRound(ctx, roundID)
	if err != nil {
		return 0, err
	}
	for _, bet := range pending {
		s.queue.Submit(ctx, Outcome{
			Bet:    bet,
			Status: domain.BetRefunded,
		})
	}
	return len(pending), nil
}
