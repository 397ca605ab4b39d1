package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
)

// ActiveBet is the in-memory mirror of a Bet the engine consults on the hot
// path (spec §3): referenced by id from both GameState's map and the
// BetHeap, so the heap never duplicates bet data — it only orders ids by
// targetTime (spec §9 Design Notes: "arena + stable ids").
type ActiveBet struct {
	BetID      uuid.UUID
	OrderID    string
	UserID     uuid.UUID
	TargetRow  float64
	TargetTime float64 // seconds since round start
	Amount     decimal.Decimal
	Multiplier decimal.Decimal
	Payout     decimal.Decimal
	IsPlayMode bool
	CreatedAt  time.Time
}

// GameState is the single in-memory image of one asset's currently active
// round, read far more often than it changes. Modeled on the teacher's
// MarketService 500ms in-memory cache (internal/service/market_service.go):
// one owner goroutine (the tick loop) writes it, readers (admission
// requests arriving on other goroutines) take the RLock.
type GameState struct {
	mu sync.RWMutex

	roundID       uuid.UUID
	asset         string
	status        domain.RoundStatus
	startPrice    decimal.Decimal
	startedAt     time.Time
	bettingEndsAt time.Time
	maxEndsAt     time.Time

	lastPrice  decimal.Decimal
	prevRow    float64
	currentRow float64
	elapsed    float64
	lastTickAt time.Time

	betsByID   map[uuid.UUID]*ActiveBet
	betsByUser map[uuid.UUID]int
	heap       *BetHeap
}

func newGameState(asset string) *GameState {
	return &GameState{
		asset:      asset,
		status:     domain.RoundCancelled, // no round owned yet
		betsByID:   make(map[uuid.UUID]*ActiveBet),
		betsByUser: make(map[uuid.UUID]int),
		heap:       NewBetHeap(),
	}
}

// Snapshot is the read-only view handed to admission checks and to the
// gateway's snapshot-on-connect payload.
type Snapshot struct {
	RoundID       uuid.UUID
	Asset         string
	Status        domain.RoundStatus
	StartPrice    decimal.Decimal
	StartedAt     time.Time
	BettingEndsAt time.Time
	LastPrice     decimal.Decimal
	CurrentRow    float64
	Elapsed       float64
	ActiveBets    int
}

// Read returns a consistent snapshot of the current state.
func (gs *GameState) Read() Snapshot {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return Snapshot{
		RoundID:       gs.roundID,
		Asset:         gs.asset,
		Status:        gs.status,
		StartPrice:    gs.startPrice,
		StartedAt:     gs.startedAt,
		BettingEndsAt: gs.bettingEndsAt,
		LastPrice:     gs.lastPrice,
		CurrentRow:    gs.currentRow,
		Elapsed:       gs.elapsed,
		ActiveBets:    len(gs.betsByID),
	}
}

func (gs *GameState) startRound(roundID uuid.UUID, startPrice decimal.Decimal, startedAt time.Time, bettingDuration, maxDuration time.Duration) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.roundID = roundID
	gs.status = domain.RoundBetting
	gs.startPrice = startPrice
	gs.startedAt = startedAt
	gs.bettingEndsAt = startedAt.Add(bettingDuration)
	gs.maxEndsAt = startedAt.Add(maxDuration)
	gs.lastPrice = startPrice
	gs.prevRow = domain.CenterRowIndex
	gs.currentRow = domain.CenterRowIndex
	gs.elapsed = 0
	gs.lastTickAt = startedAt
	gs.betsByID = make(map[uuid.UUID]*ActiveBet)
	gs.betsByUser = make(map[uuid.UUID]int)
	gs.heap = NewBetHeap()
}

func (gs *GameState) setStatus(s domain.RoundStatus) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.status = s
}

// Tick advances the clock's read of price/row (spec §4.8 steps 2-3). The
// BETTING→RUNNING transition observed here is an optimistic mirror of the
// authoritative conditional DB update performed by the engine separately.
func (gs *GameState) Tick(price decimal.Decimal, now time.Time) (elapsed, currentRow float64) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	elapsed = now.Sub(gs.startedAt).Seconds()
	currentRow = domain.RowForPrice(price, gs.startPrice)
	if now.After(gs.bettingEndsAt) && gs.status == domain.RoundBetting {
		gs.status = domain.RoundRunning
	}
	gs.lastPrice = price
	gs.currentRow = currentRow
	gs.elapsed = elapsed
	gs.lastTickAt = now
	return elapsed, currentRow
}

// RowWindow returns the previous tick's row and this tick's row, the pair
// the drain loop needs to form the hit window (spec §4.8 step 4).
func (gs *GameState) RowWindow() (prevRow, currentRow float64) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.prevRow, gs.currentRow
}

// CommitRow rolls currentRow into prevRow for the next tick (spec §4.8 step 5).
// Must run after the drain loop has finished consulting RowWindow.
func (gs *GameState) CommitRow() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.prevRow = gs.currentRow
}

func (gs *GameState) isBetting() bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.status == domain.RoundBetting
}

func (gs *GameState) pastMaxDuration(now time.Time) bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return now.After(gs.maxEndsAt)
}

func (gs *GameState) currentRoundID() uuid.UUID {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.roundID
}

// elapsedNow computes elapsed seconds without requiring a tick to have
// already run this instant — used by admission's target-time validity check
// (spec §4.10 step 5), which must reflect "now", not the last tick.
func (gs *GameState) elapsedNow(now time.Time) float64 {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return now.Sub(gs.startedAt).Seconds()
}

// canAdmit reports whether userID may place another bet given the engine-
// and per-user active-bet caps (spec §4.10 steps 3, 8). This is an
// optimistic pre-check; the authoritative check happens nowhere else in
// this design (there is no DB-side cap), so this doubles as the
// authoritative check, evaluated under the single engine goroutine.
func (gs *GameState) canAdmit(userID uuid.UUID, maxPerUser, maxActive int) bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	if len(gs.betsByID) >= maxActive {
		return false
	}
	if gs.betsByUser[userID] >= maxPerUser {
		return false
	}
	return true
}

// registerBet adds a freshly admitted bet to the map and heap.
func (gs *GameState) registerBet(ab *ActiveBet) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.betsByID[ab.BetID] = ab
	gs.betsByUser[ab.UserID]++
	gs.heap.Push(ab.BetID, ab.TargetTime)
}

// release removes betID's counters and map entry, called once its heap
// entry has been (or is about to be) popped.
func (gs *GameState) release(betID uuid.UUID) *ActiveBet {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	ab, ok := gs.betsByID[betID]
	if !ok {
		return nil
	}
	delete(gs.betsByID, betID)
	if n := gs.betsByUser[ab.UserID]; n > 0 {
		gs.betsByUser[ab.UserID] = n - 1
	}
	return ab
}

// removeForRefund pulls a still-pending bet out of both the heap and the
// map before its targetTime ever arrives (spec §4.11).
func (gs *GameState) removeForRefund(betID uuid.UUID) *ActiveBet {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	ab, ok := gs.betsByID[betID]
	if !ok {
		return nil
	}
	gs.heap.Remove(betID)
	delete(gs.betsByID, betID)
	if n := gs.betsByUser[ab.UserID]; n > 0 {
		gs.betsByUser[ab.UserID] = n - 1
	}
	return ab
}

// peekTop returns the earliest-targetTime bet without removing it.
func (gs *GameState) peekTop() (*ActiveBet, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	betID, _, ok := gs.heap.Peek()
	if !ok {
		return nil, false
	}
	return gs.betsByID[betID], true
}

// popTop removes and returns the earliest-targetTime bet, clearing its map
// entry and per-user counter in the same step.
func (gs *GameState) popTop() (*ActiveBet, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	betID, ok := gs.heap.Pop()
	if !ok {
		return nil, false
	}
	ab, found := gs.betsByID[betID]
	delete(gs.betsByID, betID)
	if found {
		if n := gs.betsByUser[ab.UserID]; n > 0 {
			gs.betsByUser[ab.UserID] = n - 1
		}
	}
	return ab, found
}

// drainAll empties the heap and map together, used at round end.
func (gs *GameState) drainAll() []*ActiveBet {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	ids := gs.heap.DrainAll()
	out := make([]*ActiveBet, 0, len(ids))
	for _, id := range ids {
		if ab, ok := gs.betsByID[id]; ok {
			out = append(out, ab)
			delete(gs.betsByID, id)
		}
	}
	gs.betsByUser = make(map[uuid.UUID]int)
	return out
}

func (gs *GameState) heapLen() int {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.heap.Len()
}
