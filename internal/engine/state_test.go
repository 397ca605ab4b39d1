package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
)

func freshState(t *testing.T) (*GameState, time.Time) {
	t.Helper()
	gs := newGameState("BTCUSDT")
	start := time.Now()
	gs.startRound(uuid.New(), decimal.NewFromInt(100), start, 5*time.Second, 60*time.Second)
	return gs, start
}

// TestGameStateCanAdmitRespectsCaps verifies spec §4.10 steps 3 and 8: the
// engine-wide and per-user active-bet caps both gate admission.
func TestGameStateCanAdmitRespectsCaps(t *testing.T) {
	gs, _ := freshState(t)
	user := uuid.New()

	if !gs.canAdmit(user, 2, 10) {
		t.Fatalf("canAdmit() on empty state = false, want true")
	}

	gs.registerBet(&ActiveBet{BetID: uuid.New(), UserID: user, TargetTime: 1})
	gs.registerBet(&ActiveBet{BetID: uuid.New(), UserID: user, TargetTime: 2})

	if gs.canAdmit(user, 2, 10) {
		t.Errorf("canAdmit() at per-user cap = true, want false")
	}

	other := uuid.New()
	if !gs.canAdmit(other, 2, 10) {
		t.Errorf("canAdmit() for a different user under cap = false, want true")
	}

	// Engine-wide cap: total active bets is 2 (both from `user`).
	if gs.canAdmit(other, 5, 2) {
		t.Errorf("canAdmit() at engine-wide cap = true, want false")
	}
}

// TestGameStateRegisterAndPopTop checks that popTop drains in targetTime
// order and keeps the per-user counter and map in sync with the heap.
func TestGameStateRegisterAndPopTop(t *testing.T) {
	gs, _ := freshState(t)
	user := uuid.New()

	first := &ActiveBet{BetID: uuid.New(), UserID: user, TargetTime: 2.0}
	second := &ActiveBet{BetID: uuid.New(), UserID: user, TargetTime: 1.0}
	gs.registerBet(first)
	gs.registerBet(second)

	top, ok := gs.peekTop()
	if !ok || top.BetID != second.BetID {
		t.Fatalf("peekTop() = %v, want the earlier targetTime bet", top)
	}

	popped, ok := gs.popTop()
	if !ok || popped.BetID != second.BetID {
		t.Fatalf("popTop() = %v, want %v", popped, second)
	}
	if gs.betsByUser[user] != 1 {
		t.Errorf("betsByUser[user] = %d, want 1 after popping one of two", gs.betsByUser[user])
	}

	popped, ok = gs.popTop()
	if !ok || popped.BetID != first.BetID {
		t.Fatalf("popTop() #2 = %v, want %v", popped, first)
	}
	if gs.betsByUser[user] != 0 {
		t.Errorf("betsByUser[user] = %d, want 0 after popping both", gs.betsByUser[user])
	}
}

// TestGameStateRemoveForRefund verifies a still-pending bet is pulled out
// of both the heap and the map, and its per-user counter decremented,
// exactly once (spec §4.11).
func TestGameStateRemoveForRefund(t *testing.T) {
	gs, _ := freshState(t)
	user := uuid.New()
	bet := &ActiveBet{BetID: uuid.New(), UserID: user, TargetTime: 5.0}
	gs.registerBet(bet)

	removed := gs.removeForRefund(bet.BetID)
	if removed == nil || removed.BetID != bet.BetID {
		t.Fatalf("removeForRefund() = %v, want %v", removed, bet)
	}
	if gs.heapLen() != 0 {
		t.Errorf("heapLen() after refund-removal = %d, want 0", gs.heapLen())
	}
	if gs.betsByUser[user] != 0 {
		t.Errorf("betsByUser[user] = %d, want 0 after refund-removal", gs.betsByUser[user])
	}

	if again := gs.removeForRefund(bet.BetID); again != nil {
		t.Errorf("removeForRefund() twice = %v, want nil (already removed)", again)
	}
}

// TestGameStateDrainAllClearsEverything verifies round-end draining empties
// the heap, the bet map, and the per-user counters together.
func TestGameStateDrainAllClearsEverything(t *testing.T) {
	gs, _ := freshState(t)
	userA, userB := uuid.New(), uuid.New()
	gs.registerBet(&ActiveBet{BetID: uuid.New(), UserID: userA, TargetTime: 1})
	gs.registerBet(&ActiveBet{BetID: uuid.New(), UserID: userB, TargetTime: 2})

	drained := gs.drainAll()
	if len(drained) != 2 {
		t.Fatalf("drainAll() returned %d bets, want 2", len(drained))
	}
	if gs.heapLen() != 0 {
		t.Errorf("heapLen() after drainAll = %d, want 0", gs.heapLen())
	}
	if gs.canAdmit(userA, 10, 10) == false {
		t.Errorf("canAdmit() after drainAll should see zero active bets")
	}
}

// TestGameStateTickTransitionsBettingToRunning exercises the optimistic
// in-memory mirror of the BETTING→RUNNING transition once bettingEndsAt
// has passed (spec §4.9).
func TestGameStateTickTransitionsBettingToRunning(t *testing.T) {
	gs, start := freshState(t)
	if !gs.isBetting() {
		t.Fatalf("isBetting() immediately after startRound = false, want true")
	}

	gs.Tick(decimal.NewFromInt(100), start.Add(10*time.Millisecond))
	if !gs.isBetting() {
		t.Errorf("isBetting() before bettingDuration elapses = false, want true")
	}

	gs.Tick(decimal.NewFromInt(100), start.Add(6*time.Second))
	if gs.isBetting() {
		t.Errorf("isBetting() after bettingDuration elapses = true, want false")
	}
}

// TestGameStateRowWindowAndCommitRow verifies the prevRow/currentRow pair
// the drain loop's hit-window calculation depends on (spec §4.8 step 4).
func TestGameStateRowWindowAndCommitRow(t *testing.T) {
	gs, start := freshState(t)
	gs.Tick(decimal.NewFromFloat(100.1), start.Add(time.Second)) // 0.1% rise -> row moves 1 toward 0

	prev, cur := gs.RowWindow()
	if prev != domain.CenterRowIndex {
		t.Errorf("RowWindow() prev = %v, want CenterRowIndex (%v) before first CommitRow", prev, domain.CenterRowIndex)
	}
	wantRow := domain.CenterRowIndex - 1
	if diff := cur - wantRow; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("RowWindow() cur = %v, want %v", cur, wantRow)
	}

	gs.CommitRow()
	prev, _ = gs.RowWindow()
	if diff := prev - wantRow; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("RowWindow() prev after CommitRow = %v, want %v", prev, wantRow)
	}
}
