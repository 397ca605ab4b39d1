package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// Multiplier model constants (spec §3): P(hit) is modeled as a Gaussian
// decay in row distance from the current row, with the spread (sigma)
// growing with the square root of the remaining time to target — the same
// scaling a diffusing price trajectory would produce, so a bet placed
// farther out in time is penalized with a wider, flatter hit probability
// and therefore a higher multiplier.
const (
	rowVolatilityPerSqrtSecond = 1.2
	minSigmaRows               = 0.25
	minTimeToTarget            = 0.1 // seconds; floors sigma(t) away from zero
	minHitProbability          = 1e-6
)

// ComputeMultiplier implements spec §3's multiplier model:
//
//	multiplier = clamp(MinMultiplier, MaxMultiplier, (1-HouseEdge)/P(hit))
//
// currentRow and targetRow are row-space coordinates; timeToTarget is the
// remaining seconds until the bet's targetTime. Computed server-side at
// admission and rounded to 4 decimals — clients never supply it.
func ComputeMultiplier(currentRow, targetRow, timeToTarget float64) decimal.Decimal {
	t := timeToTarget
	if t < minTimeToTarget {
		t = minTimeToTarget
	}

	sigma := rowVolatilityPerSqrtSecond * math.Sqrt(t)
	if sigma < minSigmaRows {
		sigma = minSigmaRows
	}

	distance := targetRow - currentRow
	z := distance / sigma
	pHit := math.Exp(-0.5 * z * z)
	if pHit < minHitProbability {
		pHit = minHitProbability
	}

	raw := (1 - HouseEdge) / pHit
	return Round4(clampMultiplier(decimal.NewFromFloat(raw)))
}

func clampMultiplier(v decimal.Decimal) decimal.Decimal {
	min := decimal.NewFromFloat(MinMultiplier)
	max := decimal.NewFromFloat(MaxMultiplier)
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
