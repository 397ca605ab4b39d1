package engine

import (
	"container/heap"

	"github.com/google/uuid"
)

// betItem is one entry in the BetHeap: a bet waiting for the tick loop to
// reach its targetTime, which is seconds elapsed since round start (spec
// §3), not a wall-clock time — the tick loop compares it directly against
// GameState's own elapsed counter. No third-party priority-queue library
// appears anywhere in the example pack, so this is built on stdlib
// container/heap (see DESIGN.md's standard-library justifications).
type betItem struct {
	betID      uuid.UUID
	targetTime float64
	index      int // maintained by container/heap
}

// betHeap is a min-heap ordered by targetTime, giving the tick loop O(log n)
// access to "what is the next bet whose window has arrived" (spec §4.8).
type betHeap []*betItem

func (h betHeap) Len() int            { return len(h) }
func (h betHeap) Less(i, j int) bool  { return h[i].targetTime < h[j].targetTime }
func (h betHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *betHeap) Push(x any) {
	item := x.(*betItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *betHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// BetHeap is the goroutine-unsafe priority queue wrapped by GameState's
// mutex. Its sole owner is the tick loop goroutine for one asset.
type BetHeap struct {
	h betHeap
}

// NewBetHeap constructs an empty BetHeap.
func NewBetHeap() *BetHeap {
	bh := &BetHeap{h: make(betHeap, 0)}
	heap.Init(&bh.h)
	return bh
}

// Push adds a bet to the heap, ordered by its targetTime.
func (bh *BetHeap) Push(betID uuid.UUID, targetTime float64) {
	heap.Push(&bh.h, &betItem{betID: betID, targetTime: targetTime})
}

// Peek returns the earliest-targetTime bet without removing it.
func (bh *BetHeap) Peek() (betID uuid.UUID, targetTime float64, ok bool) {
	if bh.h.Len() == 0 {
		return uuid.Nil, 0, false
	}
	top := bh.h[0]
	return top.betID, top.targetTime, true
}

// Pop removes and returns the earliest-targetTime bet.
func (bh *BetHeap) Pop() (betID uuid.UUID, ok bool) {
	if bh.h.Len() == 0 {
		return uuid.Nil, false
	}
	item := heap.Pop(&bh.h).(*betItem)
	return item.betID, true
}

// Remove drops a specific bet from the heap by id — used by refund, which
// must take a still-pending bet out of the drain order before its
// targetTime ever arrives. O(n) since the heap has no id index; acceptable
// at the bounded MaxActiveBets scale spec §6 describes.
func (bh *BetHeap) Remove(betID uuid.UUID) bool {
	for i, item := range bh.h {
		if item.betID == betID {
			heap.Remove(&bh.h, i)
			return true
		}
	}
	return false
}

// Len reports how many bets are still waiting in the heap.
func (bh *BetHeap) Len() int { return bh.h.Len() }

// DrainAll empties the heap and returns every remaining bet id, used when a
// round ends (naturally or by cancellation) and every still-pending bet
// must be resolved regardless of its original targetTime.
func (bh *BetHeap) DrainAll() []uuid.UUID {
	out := make([]uuid.UUID, 0, bh.h.Len())
	for bh.h.Len() > 0 {
		item := heap.Pop(&bh.h).(*betItem)
		out = append(out, item.betID)
	}
	return out
}
