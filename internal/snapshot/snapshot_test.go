package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/snapshot"
)

// fakeSink records every batch handed to InsertBatch, optionally failing
// the first N calls to exercise the buffer's requeue-on-failure path.
type fakeSink struct {
	mu        sync.Mutex
	batches   [][]domain.PriceSnapshot
	failUntil int
	calls     int
}

func (f *fakeSink) InsertBatch(_ context.Context, snaps []domain.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("sink unavailable")
	}
	cp := make([]domain.PriceSnapshot, len(snaps))
	copy(cp, snaps)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func sample(elapsed float64) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		RoundID:   uuid.New(),
		Elapsed:   elapsed,
		Price:     decimal.NewFromInt(100),
		Row:       6.5,
		Timestamp: time.Now(),
	}
}

// TestBufferOverflowDropsOldest verifies spec §4.6: once capacity is
// reached, the oldest pending entry is dropped via head index, not an
// array shift, and Dropped() reports the count.
func TestBufferOverflowDropsOldest(t *testing.T) {
	sink := &fakeSink{}
	b := snapshot.New(sink, snapshot.Config{
		Capacity:      3,
		BatchSize:     10,
		FlushInterval: time.Hour,
		BackoffBase:   time.Millisecond,
		BackoffMax:    time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		b.Add(sample(float64(i)))
	}

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}

	ctx := context.Background()
	if !b.Flush(ctx, time.Second) {
		t.Fatalf("Flush() did not drain within timeout")
	}
	if got := sink.total(); got != 3 {
		t.Fatalf("sink received %d snapshots, want 3 (capacity)", got)
	}
}

// TestBufferFlushRetriesOnFailure checks that a failed InsertBatch call
// requeues its batch rather than losing it, and that Flush keeps retrying
// within its timeout until the sink recovers.
func TestBufferFlushRetriesOnFailure(t *testing.T) {
	sink := &fakeSink{failUntil: 1}
	b := snapshot.New(sink, snapshot.Config{
		Capacity:      100,
		BatchSize:     10,
		FlushInterval: time.Hour,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	})

	for i := 0; i < 4; i++ {
		b.Add(sample(float64(i)))
	}

	ctx := context.Background()
	if !b.Flush(ctx, time.Second) {
		t.Fatalf("Flush() did not drain within timeout despite retry")
	}
	if got := sink.total(); got != 4 {
		t.Fatalf("sink received %d snapshots after retry, want 4", got)
	}
}

// TestBufferFlushEmptyIsNoop ensures Flush on an empty buffer returns
// immediately without calling the sink.
func TestBufferFlushEmptyIsNoop(t *testing.T) {
	sink := &fakeSink{}
	b := snapshot.New(sink, snapshot.Config{
		Capacity:      10,
		BatchSize:     10,
		FlushInterval: time.Hour,
		BackoffBase:   time.Millisecond,
		BackoffMax:    time.Millisecond,
	})

	if !b.Flush(context.Background(), time.Second) {
		t.Fatalf("Flush() on empty buffer = false, want true")
	}
	if sink.calls != 0 {
		t.Errorf("sink.calls = %d, want 0 for an empty buffer", sink.calls)
	}
}
