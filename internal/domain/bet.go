package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetStatus represents the current state of a user's bet.
type BetStatus string

const (
	BetPending   BetStatus = "PENDING"
	BetSettling  BetStatus = "SETTLING"
	BetWon       BetStatus = "WON"
	BetLost      BetStatus = "LOST"
	BetRefunded  BetStatus = "REFUNDED"
	BetCancelled BetStatus = "CANCELLED"
)

// IsPending reports whether the bet is still live on the hot path (heap or
// settlement queue).
func (s BetStatus) IsPending() bool {
	return s == BetPending || s == BetSettling
}

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet is a single user wager on a (targetRow, targetTime) point within a
// Round. orderId is the client-supplied idempotency key and is unique.
type Bet struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	OrderID    string          `db:"order_id" json:"orderId"`
	UserID     uuid.UUID       `db:"user_id" json:"userId"`
	RoundID    uuid.UUID       `db:"round_id" json:"roundId"`
	Asset      string          `db:"asset" json:"asset"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Multiplier decimal.Decimal `db:"multiplier" json:"multiplier"`
	TargetRow  float64         `db:"target_row" json:"targetRow"`
	TargetTime float64         `db:"target_time" json:"targetTime"`
	IsPlayMode bool            `db:"is_play_mode" json:"isPlayMode"`
	Status     BetStatus       `db:"status" json:"status"`
	Payout     decimal.Decimal `db:"payout" json:"payout"`

	HitPrice *decimal.Decimal `db:"hit_price" json:"hitPrice,omitempty"`
	HitRow   *float64         `db:"hit_row" json:"hitRow,omitempty"`
	HitTime  *float64         `db:"hit_time" json:"hitTime,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	SettledAt *time.Time `db:"settled_at" json:"settledAt,omitempty"`
}

// IsActive reports whether the bet still has engine-side work pending.
func (b *Bet) IsActive() bool {
	return b.Status.IsPending()
}

// RoundToCents rounds a monetary decimal to 2 places, the only precision a
// Bet's amount/payout fields may carry.
func RoundToCents(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Round4 rounds a multiplier/probability decimal to 4 places.
func Round4(v decimal.Decimal) decimal.Decimal {
	return v.Round(4)
}

// ComputePayout implements spec §8 invariant 3:
// payout = round_to_cents(amount × round4(multiplier)) for a WON bet.
func ComputePayout(amount, multiplier decimal.Decimal) decimal.Decimal {
	return RoundToCents(amount.Mul(Round4(multiplier)))
}

// ──────────────────────────────────────────────────────────────────────────────
// HitDetails — outcome of a tick-loop hit test (spec §4.8 step 4)
// ──────────────────────────────────────────────────────────────────────────────

// HitDetails carries the price/row/time the trajectory was at when a bet
// was judged a hit. Only wins carry it; a lost bet is settled without one.
type HitDetails struct {
	Price decimal.Decimal
	Row   float64
	Time  float64
}

// ──────────────────────────────────────────────────────────────────────────────
// PlaceBetRequest — value object carried through the admission pipeline
// ──────────────────────────────────────────────────────────────────────────────

// PlaceBetRequest carries the raw, not-yet-validated inputs for placing a
// bet, as received over the Gateway.
type PlaceBetRequest struct {
	OrderID    string
	UserID     uuid.UUID
	Asset      string
	TargetRow  float64
	TargetTime float64
	Amount     decimal.Decimal
	IsPlayMode bool
}

// BetResponse is the wire-safe, client-facing view of a bet.
type BetResponse struct {
	ID         uuid.UUID       `json:"id"`
	OrderID    string          `json:"orderId"`
	RoundID    uuid.UUID       `json:"roundId"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TargetRow  float64         `json:"targetRow"`
	TargetTime float64         `json:"targetTime"`
	Status     BetStatus       `json:"status"`
	Payout     decimal.Decimal `json:"payout"`
	CreatedAt  time.Time       `json:"createdAt"`
	SettledAt  *time.Time      `json:"settledAt,omitempty"`
}

// ToResponse converts a Bet to its API response form.
func (b *Bet) ToResponse() BetResponse {
	return BetResponse{
		ID:         b.ID,
		OrderID:    b.OrderID,
		RoundID:    b.RoundID,
		Amount:     b.Amount,
		Multiplier: b.Multiplier,
		TargetRow:  b.TargetRow,
		TargetTime: b.TargetTime,
		Status:     b.Status,
		Payout:     b.Payout,
		CreatedAt:  b.CreatedAt,
		SettledAt:  b.SettledAt,
	}
}
