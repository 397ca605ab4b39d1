package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/engine"
	"github.com/evetabi/prediction/internal/ratelimit"
)

// Registry resolves an asset symbol to the Engine instance that owns its
// rounds. One process runs one Engine per configured asset (spec §6); the
// gateway is the single edge multiplexing all of them over one set of
// connections.
type Registry struct {
	engines map[string]*engine.Engine
	limiter *ratelimit.Limiter
}

// NewRegistry builds a Registry over the given asset→Engine map. limiter may
// be nil, disabling rate limiting (e.g. in tests).
func NewRegistry(engines map[string]*engine.Engine, limiter *ratelimit.Limiter) *Registry {
	return &Registry{engines: engines, limiter: limiter}
}

func (r *Registry) get(asset string) (*engine.Engine, bool) {
	e, ok := r.engines[asset]
	return e, ok
}

func (r *Registry) placeBet(ctx context.Context, req domain.PlaceBetRequest) (*domain.Bet, error) {
	e, ok := r.get(req.Asset)
	if !ok {
		return nil, domain.ErrNoActiveRound
	}
	return e.PlaceBet(ctx, r.limiter, req)
}

func (r *Registry) refund(ctx context.Context, asset string, betID uuid.UUID) error {
	e, ok := r.get(asset)
	if !ok {
		return domain.ErrNoActiveRound
	}
	return e.Refund(ctx, betID)
}

func (r *Registry) snapshot(asset string) (engine.Snapshot, bool) {
	e, ok := r.get(asset)
	if !ok {
		return engine.Snapshot{}, false
	}
	return e.Snapshot(), true
}

// UserReader is the narrow view of internal/repository.UserRepository the
// gateway needs: balance lookups for the state snapshot, plus the lazy
// provisioning anonymous sessions require before their first bet.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	EnsureAnonymous(ctx context.Context, id uuid.UUID, playBalance decimal.Decimal) error
}

// BetReader is the narrow view of internal/repository.BetRepository the
// gateway needs for state snapshot history replay.
type BetReader interface {
	GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Bet, error)
}
