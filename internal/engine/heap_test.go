package engine

import (
	"testing"

	"github.com/google/uuid"
)

// TestBetHeapOrdersByTargetTime verifies the min-heap invariant from spec
// §4.8: the tick loop's drain loop must see the earliest targetTime first
// regardless of push order.
func TestBetHeapOrdersByTargetTime(t *testing.T) {
	bh := NewBetHeap()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	bh.Push(a, 5.0)
	bh.Push(b, 1.0)
	bh.Push(c, 3.0)

	if got := bh.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	_, tt, ok := bh.Peek()
	if !ok || tt != 1.0 {
		t.Fatalf("Peek() targetTime = %v, want 1.0", tt)
	}

	wantOrder := []uuid.UUID{b, c, a}
	for i, want := range wantOrder {
		id, ok := bh.Pop()
		if !ok || id != want {
			t.Fatalf("Pop() #%d = %s, want %s", i, id, want)
		}
	}
	if bh.Len() != 0 {
		t.Fatalf("Len() after draining = %d, want 0", bh.Len())
	}
}

// TestBetHeapRemoveByID exercises the O(n) removal refund uses to take a
// still-pending bet out of the drain order before its targetTime arrives.
func TestBetHeapRemoveByID(t *testing.T) {
	bh := NewBetHeap()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	bh.Push(a, 1.0)
	bh.Push(b, 2.0)
	bh.Push(c, 3.0)

	if !bh.Remove(b) {
		t.Fatalf("Remove(b) = false, want true")
	}
	if bh.Len() != 2 {
		t.Fatalf("Len() after Remove = %d, want 2", bh.Len())
	}
	if bh.Remove(uuid.New()) {
		t.Errorf("Remove(unknown) = true, want false")
	}

	id, ok := bh.Pop()
	if !ok || id != a {
		t.Fatalf("Pop() after Remove = %s, want %s", id, a)
	}
	id, ok = bh.Pop()
	if !ok || id != c {
		t.Fatalf("Pop() after Remove = %s, want %s", id, c)
	}
}

// TestBetHeapDrainAll verifies round-end draining empties the heap and
// returns every remaining bet regardless of targetTime order.
func TestBetHeapDrainAll(t *testing.T) {
	bh := NewBetHeap()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		bh.Push(id, float64(len(ids)-i))
	}

	drained := bh.DrainAll()
	if len(drained) != len(ids) {
		t.Fatalf("DrainAll() len = %d, want %d", len(drained), len(ids))
	}
	if bh.Len() != 0 {
		t.Fatalf("Len() after DrainAll = %d, want 0", bh.Len())
	}
	if _, _, ok := bh.Peek(); ok {
		t.Errorf("Peek() after DrainAll ok = true, want false")
	}
}

// TestBetHeapPeekEmpty verifies the zero-value behavior the tick loop's
// guard clause relies on.
func TestBetHeapPeekEmpty(t *testing.T) {
	bh := NewBetHeap()
	if _, _, ok := bh.Peek(); ok {
		t.Errorf("Peek() on empty heap ok = true, want false")
	}
	if _, ok := bh.Pop(); ok {
		t.Errorf("Pop() on empty heap ok = true, want false")
	}
}
