package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HousePool is the per-asset shared liability balance: cumulative stake
// minus net payouts. Every mutation is applied by an optimistic-version
// conditional update (`UPDATE … WHERE asset=? AND version=v`); on a
// version mismatch the caller re-reads and retries with bounded backoff.
type HousePool struct {
	Asset     string          `db:"asset" json:"asset"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Version   int64           `db:"version" json:"version"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}
