package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle stage of a Round. Transitions follow the DAG
// PENDING → BETTING → RUNNING → SETTLING → {COMPLETED, CANCELLED}, persisted
// by conditional update (status=expected → status=next) so concurrent engine
// instances cannot both transition the same round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "PENDING"
	RoundBetting   RoundStatus = "BETTING"
	RoundRunning   RoundStatus = "RUNNING"
	RoundSettling  RoundStatus = "SETTLING"
	RoundCompleted RoundStatus = "COMPLETED"
	RoundCancelled RoundStatus = "CANCELLED"
)

// IsTerminal reports whether status is a terminal lifecycle state.
func (s RoundStatus) IsTerminal() bool {
	return s == RoundCompleted || s == RoundCancelled
}

// Row-space and multiplier constants (spec §3, §6).
const (
	MaxRowIndex      = 13
	CenterRowIndex   = 6.5
	PriceSensitivity = 1000.0
	HouseEdge        = 0.08
	MinMultiplier    = 1.01
	MaxMultiplier    = 100.0
)

// Tick-loop drain constants (spec §4.8, §6).
const (
	HitTimeTolerance     = 0.5 // seconds; |elapsed-targetTime| inside this band triggers a hit check
	MissTimeBuffer       = 0.6 // seconds past targetTime before a still-open bet is declared a miss
	MinTargetTimeOffset  = 0.5 // seconds; minTargetTime = elapsed + this offset
	MaxSettlementsPerTick = 500
)

// Tick-loop throttling constants (spec §4.6, §4.8 step 7).
const (
	SnapshotMinElapsedGap = 0.1                    // seconds of round-elapsed time between buffered snapshots
	StateUpdateMinGap     = 50 * time.Millisecond // wall-clock gap between throttled state:update/tick broadcasts
)

// Round is one play of the game on one asset, bounded by
// BETTING→RUNNING→SETTLING→COMPLETED/CANCELLED.
type Round struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Asset      string          `db:"asset" json:"asset"`
	Status     RoundStatus     `db:"status" json:"status"`
	StartPrice decimal.Decimal `db:"start_price" json:"startPrice"`
	EndPrice   *decimal.Decimal `db:"end_price" json:"endPrice,omitempty"`
	StartedAt  time.Time       `db:"started_at" json:"startedAt"`
	EndedAt    *time.Time      `db:"ended_at" json:"endedAt,omitempty"`

	TotalBets   int             `db:"total_bets" json:"totalBets"`
	TotalVolume decimal.Decimal `db:"total_volume" json:"totalVolume"`
	TotalPayout decimal.Decimal `db:"total_payout" json:"totalPayout"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// IsBetting reports whether the round currently accepts bets. This is a
// convenience mirror of the authoritative DB predicate `status = BETTING`
// used inside the admission transaction (spec §9 Open Question).
func (r *Round) IsBetting() bool {
	return r.Status == RoundBetting
}

// RowForPrice maps a price to the bounded row space [0, MaxRowIndex] given
// the round's starting price. A 1% price rise moves the row 10 places
// toward 0 (PriceSensitivity=1000).
func RowForPrice(price, startPrice decimal.Decimal) float64 {
	if startPrice.IsZero() {
		return CenterRowIndex
	}
	pctChange, _ := price.Div(startPrice).Sub(decimal.NewFromInt(1)).Float64()
	row := CenterRowIndex - pctChange*PriceSensitivity
	return clampRow(row)
}

func clampRow(row float64) float64 {
	if row < 0 {
		return 0
	}
	if row > MaxRowIndex {
		return MaxRowIndex
	}
	return row
}

// RoundSummary is the read-model surfaced by the history endpoint and the
// Gateway's state snapshot.
type RoundSummary struct {
	ID           uuid.UUID       `json:"id"`
	Asset        string          `json:"asset"`
	Status       RoundStatus     `json:"status"`
	StartPrice   decimal.Decimal `json:"startPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	CurrentRow   float64         `json:"currentRow"`
	Elapsed      float64         `json:"elapsed"`
	StartedAt    time.Time       `json:"startedAt"`
}
