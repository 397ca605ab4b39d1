package domain_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
)

// TestComputeMultiplierAtTarget validates that a bet placed exactly on the
// current row gets the lowest multiplier the floor allows, since P(hit)
// peaks at 1 when distance is zero regardless of sigma.
func TestComputeMultiplierAtTarget(t *testing.T) {
	got := domain.ComputeMultiplier(6.5, 6.5, 5)
	min := decimal.NewFromFloat(domain.MinMultiplier)
	if !got.Equal(min) {
		t.Errorf("ComputeMultiplier(at target) = %s, want %s", got, min)
	}
}

// TestComputeMultiplierIncreasesWithDistance checks the monotonic shape of
// the model: a farther targetRow at the same timeToTarget should never be
// cheaper than a closer one.
func TestComputeMultiplierIncreasesWithDistance(t *testing.T) {
	near := domain.ComputeMultiplier(6.5, 7.0, 3)
	far := domain.ComputeMultiplier(6.5, 12.0, 3)
	if far.LessThan(near) {
		t.Errorf("ComputeMultiplier(far target) = %s should be >= ComputeMultiplier(near target) = %s", far, near)
	}
}

// TestComputeMultiplierIncreasesWithTime checks that a bet placed farther
// out in time (same row distance) is never cheaper than one placed sooner,
// since sigma(t) grows with sqrt(timeToTarget) and so P(hit) shrinks.
func TestComputeMultiplierIncreasesWithTime(t *testing.T) {
	soon := domain.ComputeMultiplier(6.5, 9.0, 1)
	later := domain.ComputeMultiplier(6.5, 9.0, 20)
	if later.LessThan(soon) {
		t.Errorf("ComputeMultiplier(later) = %s should be >= ComputeMultiplier(soon) = %s", later, soon)
	}
}

// TestComputeMultiplierClampsToBounds ensures an extreme row distance never
// produces a multiplier outside [MinMultiplier, MaxMultiplier].
func TestComputeMultiplierClampsToBounds(t *testing.T) {
	got := domain.ComputeMultiplier(0, domain.MaxRowIndex, 0.01)
	max := decimal.NewFromFloat(domain.MaxMultiplier)
	if got.GreaterThan(max) {
		t.Errorf("ComputeMultiplier(extreme) = %s, want <= %s", got, max)
	}
	min := decimal.NewFromFloat(domain.MinMultiplier)
	if got.LessThan(min) {
		t.Errorf("ComputeMultiplier(extreme) = %s, want >= %s", got, min)
	}
}

// TestComputeMultiplierRoundedToFourPlaces confirms the result is always
// pre-rounded to 4 decimal places, matching the stored/wire precision.
func TestComputeMultiplierRoundedToFourPlaces(t *testing.T) {
	got := domain.ComputeMultiplier(6.5, 8.25, 2.5)
	if !got.Equal(got.Round(4)) {
		t.Errorf("ComputeMultiplier(...) = %s is not rounded to 4 places", got)
	}
}
