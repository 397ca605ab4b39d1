// Package risk tracks, per round, how much payout liability the engine has
// already promised and rejects admission once that liability would exceed
// the round's cap. Grounded on the same Redis client pattern as
// internal/lock; the cap derivation generalizes the teacher's MMConfig
// threshold/ratio fields (internal/config/config.go) from a market-maker
// liquidity trigger into a hard payout-reservation ceiling.
package risk

import (
	"context"
	"fmt"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// reserveScript implements spec §4.5 literally: the reservation hash holds
// one field per orderId, and admission is granted iff the sum of every
// existing field plus the new amount does not exceed cap. Tracking
// per-order fields (rather than a single aggregated counter) is what makes
// Release idempotent: deleting an order's field twice is a no-op, where
// subtracting its amount twice would silently under-count liability.
const reserveScript = `
local fields = redis.call("HGETALL", KEYS[1])
local sum = 0
for i = 2, #fields, 2 do
	sum = sum + tonumber(fields[i])
end
local cap = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
if sum + amount > cap + 0.0001 then
	return -1
end
redis.call("HSET", KEYS[1], ARGV[3], tostring(amount))
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`

// Manager reserves and releases potential payout liability for a round.
type Manager struct {
	rdb *redis.Client
}

// New constructs a risk Manager over an existing Redis client.
func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func key(roundID uuid.UUID) string { return fmt.Sprintf("risk:round:%s", roundID) }

// Reserve attempts to reserve potentialPayout for orderID against a round's
// cap. It returns domain.ErrRiskReservationDenied when granting the
// reservation would exceed cap (spec §5), in which case the bet must be
// rejected before it ever reaches the BetHeap.
func (m *Manager) Reserve(ctx context.Context, roundID uuid.UUID, orderID string, potentialPayout, cap decimal.Decimal, ttlMillis int64) error {
	res, err := m.rdb.Eval(ctx, reserveScript, []string{key(roundID)},
		cap.InexactFloat64(), potentialPayout.InexactFloat64(), orderID, ttlMillis).Result()
	if err != nil {
		return fmt.Errorf("risk.Reserve: %w", err)
	}
	n, _ := res.(int64)
	if n < 0 {
		return domain.ErrRiskReservationDenied
	}
	return nil
}

// Release removes orderID's reservation field entirely — used when a bet is
// refunded or rejected past the reservation point, and by settlement once a
// bet's outcome is durably committed. Deleting a field that is already gone
// (a retried release, or a release racing a round-end Clear) is a no-op,
// which is what makes this safe to call more than once for the same order.
func (m *Manager) Release(ctx context.Context, roundID uuid.UUID, orderID string) error {
	if err := m.rdb.HDel(ctx, key(roundID), orderID).Err(); err != nil {
		return fmt.Errorf("risk.Release: %w", err)
	}
	return nil
}

// Reserved reports the currently reserved total for a round, for
// diagnostics; no other package in this module calls it.
func (m *Manager) Reserved(ctx context.Context, roundID uuid.UUID) (decimal.Decimal, error) {
	fields, err := m.rdb.HGetAll(ctx, key(roundID)).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk.Reserved: %w", err)
	}
	total := decimal.Zero
	for _, v := range fields {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("risk.Reserved: parse: %w", err)
		}
		total = total.Add(d)
	}
	return total, nil
}

// Clear drops a round's reservation hash entirely, called once a round is
// finalized and its liability can never change again.
func (m *Manager) Clear(ctx context.Context, roundID uuid.UUID) error {
	if err := m.rdb.Del(ctx, key(roundID)).Err(); err != nil {
		return fmt.Errorf("risk.Clear: %w", err)
	}
	return nil
}
