package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/engine"
	"github.com/evetabi/prediction/internal/settlement"
)

// Hub implements engine.Broadcaster: round and tick events are broadcast to
// every connection, since all of them watch the same asset trajectory
// regardless of who placed which bet; a bet confirmation goes only to the
// bettor's own room.
var _ engine.Broadcaster = (*Hub)(nil)

func (h *Hub) BroadcastTick(asset string, snap engine.Snapshot) {
	h.broadcastJSON(PriceUpdateMessage{
		Type:       MsgTypePriceUpdate,
		Asset:      asset,
		RoundID:    snap.RoundID,
		Price:      snap.LastPrice,
		Row:        snap.CurrentRow,
		Elapsed:    snap.Elapsed,
		ActiveBets: snap.ActiveBets,
		Timestamp:  time.Now(),
	})
}

func (h *Hub) BroadcastRoundStart(asset string, snap engine.Snapshot) {
	h.broadcastJSON(RoundEventMessage{
		Type:       MsgTypeRoundStart,
		Asset:      asset,
		RoundID:    snap.RoundID,
		StartPrice: snap.StartPrice,
		Timestamp:  time.Now(),
	})
}

func (h *Hub) BroadcastRoundEnd(asset string, roundID uuid.UUID) {
	h.broadcastJSON(RoundEventMessage{
		Type:      MsgTypeRoundEnd,
		Asset:     asset,
		RoundID:   roundID,
		Timestamp: time.Now(),
	})
}

func (h *Hub) BroadcastRoundCancelled(asset string, roundID uuid.UUID, reason string) {
	h.broadcastJSON(RoundEventMessage{
		Type:      MsgTypeRoundCancelled,
		Asset:     asset,
		RoundID:   roundID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (h *Hub) BroadcastBetConfirmed(bet *domain.Bet) {
	resp := bet.ToResponse()
	h.sendToRoom(bet.UserID, BetEventMessage{
		Type:      MsgTypeBetConfirmed,
		OrderID:   bet.OrderID,
		Bet:       &resp,
		Timestamp: time.Now(),
	})
}

// Hub also implements settlement.Emitter: terminal bet outcomes are routed
// only to the bettor's own room, not broadcast, since they carry a single
// user's payout.
var _ settlement.Emitter = (*Hub)(nil)

func (h *Hub) EmitBetSettled(o settlement.Outcome) {
	// o.Bet was fetched before the settlement transaction committed, so its
	// Status/Payout still reflect the pre-outcome row; the response sent to
	// the client must carry the actually-decided values instead.
	resp := o.Bet.ToResponse()
	resp.Status = o.Status
	resp.Payout = o.Payout

	msgType := MsgTypeBetSettled
	if o.Status == domain.BetRefunded {
		msgType = MsgTypeBetRefunded
	}
	h.sendToRoom(o.Bet.UserID, BetEventMessage{
		Type:      msgType,
		OrderID:   o.Bet.OrderID,
		Bet:       &resp,
		Timestamp: time.Now(),
	})
}
