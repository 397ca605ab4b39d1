// Package snapshot buffers PriceSnapshot rows in memory and flushes them to
// storage in batches. Generalized from the teacher's TTL-cache-with-mutex
// idiom (internal/service/price_service.go) into a head-index ring buffer;
// the flush-with-backoff worker is modeled on the teacher's
// marketCreationLoop retry/backoff idiom (internal/scheduler/scheduler.go).
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/prediction/internal/domain"
)

// Sink is the narrow interface the buffer flushes through — declared here,
// not in internal/repository, so this package never imports sqlx directly
// (the same narrow-interface idiom the teacher uses for WsHub).
type Sink interface {
	InsertBatch(ctx context.Context, snaps []domain.PriceSnapshot) error
}

// Buffer is a bounded ring buffer of pending snapshots with a background
// flush worker. Overflowing the buffer drops the oldest pending snapshot —
// snapshots are diagnostic, never authoritative (spec §8 invariant 8), so
// data loss under sustained overflow is an accepted tradeoff over blocking
// the tick loop that feeds it.
type Buffer struct {
	sink      Sink
	capacity  int
	batchSize int

	mu      sync.Mutex
	pending []domain.PriceSnapshot
	head    int // count of snapshots dropped for overflow, diagnostic only

	flushInterval time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
}

// Config bundles a Buffer's tunables.
type Config struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// New constructs a Buffer. Run must be called to start the flush worker.
func New(sink Sink, cfg Config) *Buffer {
	return &Buffer{
		sink:          sink,
		capacity:      cfg.Capacity,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		pending:       make([]domain.PriceSnapshot, 0, cfg.Capacity),
	}
}

// Add appends a snapshot, dropping the oldest pending entry if the buffer
// is already at capacity. Throttling to at most one sample per 100ms of
// round-elapsed time (spec §4.6) is the caller's responsibility — the tick
// loop gates its calls to Add on GameState's elapsed clock rather than
// buffering unconditionally at TickInterval.
func (b *Buffer) Add(s domain.PriceSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.capacity {
		b.pending = b.pending[1:]
		b.head++
	}
	b.pending = append(b.pending, s)
}

// Run drains the buffer in batches on flushInterval until ctx is cancelled,
// retrying a failed flush with exponential backoff while leaving newly
// added snapshots queued behind it.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushOnce(context.Background())
			return
		case <-ticker.C:
			b.flushWithRetry(ctx)
		}
	}
}

func (b *Buffer) flushWithRetry(ctx context.Context) {
	backoff := b.backoffBase
	for {
		err := b.flushOnce(ctx)
		if err == nil {
			return
		}
		slog.Warn("snapshot flush failed, retrying", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.backoffMax {
			backoff = b.backoffMax
		}
	}
}

func (b *Buffer) flushOnce(ctx context.Context) error {
	batch := b.drain()
	if len(batch) == 0 {
		return nil
	}
	if err := b.sink.InsertBatch(ctx, batch); err != nil {
		b.requeue(batch)
		return err
	}
	return nil
}

func (b *Buffer) drain() []domain.PriceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending)
	if n > b.batchSize {
		n = b.batchSize
	}
	batch := make([]domain.PriceSnapshot, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	return batch
}

func (b *Buffer) requeue(batch []domain.PriceSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(batch, b.pending...)
}

// Dropped reports how many snapshots have been discarded for overflow since
// construction, surfaced as a diagnostic metric only.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Flush drains the buffer fully within timeout, used by the engine at round
// end (spec §4.9's "flush snapshots" step) so a completed round's trajectory
// is durable before the round-history read-model is queried. Returns false
// if the deadline passed with entries still pending — the periodic Run
// worker picks up whatever remains on its own schedule.
func (b *Buffer) Flush(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		empty := len(b.pending) == 0
		b.mu.Unlock()
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := b.flushOnce(ctx); err != nil {
			slog.Warn("snapshot round-end flush failed, retrying", "err", err)
			time.Sleep(b.backoffBase)
		}
	}
}
