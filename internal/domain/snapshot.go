package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSnapshot is a diagnostic (time, price, row) sample appended at most
// 10 times per second per round (spec §3, §8 invariant 8). Snapshots are
// not authoritative: loss of a snapshot under buffer overflow is acceptable.
type PriceSnapshot struct {
	RoundID   uuid.UUID       `db:"round_id" json:"roundId"`
	Elapsed   float64         `db:"elapsed" json:"elapsed"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Row       float64         `db:"row" json:"row"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
}
