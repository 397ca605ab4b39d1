package domain_test

import (
	"testing"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/shopspring/decimal"
)

// TestComputePayout validates the WON-bet payout formula from spec §8
// invariant 3: payout = round_to_cents(amount × round4(multiplier)).
func TestComputePayout(t *testing.T) {
	tests := []struct {
		name       string
		amount     decimal.Decimal
		multiplier decimal.Decimal
		want       decimal.Decimal
	}{
		{
			name:       "whole multiplier",
			amount:     decimal.NewFromInt(10),
			multiplier: decimal.NewFromInt(2),
			want:       decimal.NewFromInt(20),
		},
		{
			name:       "fractional multiplier rounds to cents",
			amount:     decimal.NewFromFloat(10),
			multiplier: decimal.NewFromFloat(3.14159),
			want:       decimal.NewFromFloat(31.42), // round4(3.14159)=3.1416; 10*3.1416=31.416 -> 31.42
		},
		{
			name:       "minimum multiplier",
			amount:     decimal.NewFromInt(100),
			multiplier: decimal.NewFromFloat(domain.MinMultiplier),
			want:       decimal.NewFromFloat(101),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.ComputePayout(tt.amount, tt.multiplier)
			if !got.Equal(tt.want) {
				t.Errorf("ComputePayout(%s, %s) = %s, want %s", tt.amount, tt.multiplier, got, tt.want)
			}
		})
	}
}

// TestRowForPrice validates the row-index mapping from spec §3: a 1% price
// rise moves the row 10 places toward 0 (PriceSensitivity=1000), clamped to
// [0, MaxRowIndex].
func TestRowForPrice(t *testing.T) {
	startPrice := decimal.NewFromInt(100)

	tests := []struct {
		name  string
		price decimal.Decimal
		want  float64
	}{
		{"unchanged price sits at center", decimal.NewFromInt(100), domain.CenterRowIndex},
		{"0.1% rise moves 1 row toward 0", decimal.NewFromFloat(100.1), domain.CenterRowIndex - 1},
		{"0.1% fall moves 1 row away from 0", decimal.NewFromFloat(99.9), domain.CenterRowIndex + 1},
		{"large rise clamps at 0", decimal.NewFromInt(200), 0},
		{"large fall clamps at MaxRowIndex", decimal.NewFromInt(1), domain.MaxRowIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.RowForPrice(tt.price, startPrice)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("RowForPrice(%s, %s) = %v, want %v", tt.price, startPrice, got, tt.want)
			}
		})
	}
}

// TestRoundToCentsAndRound4 exercises the two rounding helpers every
// money/multiplier field must pass through before persistence.
func TestRoundToCentsAndRound4(t *testing.T) {
	v := decimal.NewFromFloat(12.34567)
	if got := domain.RoundToCents(v); !got.Equal(decimal.NewFromFloat(12.35)) {
		t.Errorf("RoundToCents(%s) = %s, want 12.35", v, got)
	}
	if got := domain.Round4(v); !got.Equal(decimal.NewFromFloat(12.3457)) {
		t.Errorf("Round4(%s) = %s, want 12.3457", v, got)
	}
}
