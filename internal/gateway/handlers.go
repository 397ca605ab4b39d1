package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/api/middleware"
	"github.com/evetabi/prediction/internal/domain"
)

// onConnect announces the resolved identity and, when the deployment runs a
// single asset, immediately pushes its snapshot — the common case needs no
// round trip. Multi-asset deployments wait for an explicit state_request
// naming which asset the client wants.
func (h *Hub) onConnect(c *Client) {
	c.send1(AuthResultMessage{
		Type:      MsgTypeAuthResult,
		UserID:    c.userID,
		Anonymous: c.anon,
		Timestamp: time.Now(),
	})
	if len(h.engines.engines) == 1 {
		for asset := range h.engines.engines {
			h.sendSnapshot(c, asset)
		}
	}
}

// dispatch routes one decoded inbound frame to its handler.
func (h *Hub) dispatch(c *Client, env inboundEnvelope) {
	switch env.Type {
	case clientMsgAuth:
		h.handleAuth(c, env.Payload)
	case clientMsgStateRequest:
		h.handleStateRequest(c, env.Payload)
	case clientMsgPlaceBet:
		h.handlePlaceBet(c, env.Payload)
	case clientMsgCancelBet:
		h.handleCancelBet(c, env.Payload)
	case clientMsgPing:
		c.send1(PongMessage{Type: MsgTypePong, Timestamp: time.Now()})
	default:
		c.sendError(domain.CodeInvalidRequest, "unknown message type")
	}
}

// handleAuth lets an already-connected (possibly anonymous) client upgrade
// to a real identity mid-session without reconnecting — useful when a
// client opens the socket before the user finishes logging in.
func (h *Hub) handleAuth(c *Client, raw json.RawMessage) {
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		c.sendError(domain.CodeInvalidRequest, "auth requires a token")
		return
	}
	userID, err := middleware.VerifyAccessToken(p.Token, h.jwtSecret)
	if err != nil {
		c.sendError(domain.CodeUnauthorized, "invalid token")
		return
	}
	h.rebind(c, userID)
	c.send1(AuthResultMessage{Type: MsgTypeAuthResult, UserID: userID, Anonymous: false, Timestamp: time.Now()})
}

// handleStateRequest answers an explicit request for one asset's snapshot.
func (h *Hub) handleStateRequest(c *Client, raw json.RawMessage) {
	var p stateRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Asset == "" {
		c.sendError(domain.CodeInvalidRequest, "state_request requires an asset")
		return
	}
	h.sendSnapshot(c, p.Asset)
}

func (h *Hub) sendSnapshot(c *Client, asset string) {
	snap, ok := h.engines.snapshot(asset)
	if !ok {
		c.sendError(domain.CodeNoActiveRound, "unknown asset")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var balance, playBalance = decimal.Zero, decimal.Zero
	if u, err := h.deps.Users.GetByID(ctx, c.userID); err == nil {
		balance, playBalance = u.Balance, u.PlayBalance
	}

	var recent []domain.BetResponse
	if bets, err := h.deps.Bets.GetByUserID(ctx, c.userID, h.deps.HistoryLimit, 0); err == nil {
		recent = make([]domain.BetResponse, 0, len(bets))
		for _, b := range bets {
			recent = append(recent, b.ToResponse())
		}
	}

	c.send1(StateSnapshotMessage{
		Type:        MsgTypeStateSnapshot,
		Asset:       snap.Asset,
		RoundID:     snap.RoundID,
		Status:      snap.Status,
		StartPrice:  snap.StartPrice,
		Price:       snap.LastPrice,
		Row:         snap.CurrentRow,
		Elapsed:     snap.Elapsed,
		Balance:     balance,
		PlayBalance: playBalance,
		RecentBets:  recent,
		Timestamp:   time.Now(),
	})
}

// handlePlaceBet forwards a structurally valid request into the owning
// engine's admission pipeline (spec §4.10) and reports the outcome
// directly to the caller. A successful admission also triggers
// Broadcaster.BroadcastBetConfirmed, which — since Hub implements that
// interface — independently reaches this same connection's room; the
// direct ack here is a convenience so UIs don't have to wait on the room
// round trip to clear a pending-submission spinner.
func (h *Hub) handlePlaceBet(c *Client, raw json.RawMessage) {
	var p placeBetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(domain.CodeInvalidRequest, "malformed place_bet payload")
		return
	}
	if p.OrderID == "" || p.Asset == "" {
		c.sendError(domain.CodeInvalidRequest, "orderId and asset are required")
		return
	}

	isPlayMode := p.IsPlayMode || c.anon // anonymous sessions are play-mode only (spec §9)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bet, err := h.engines.placeBet(ctx, domain.PlaceBetRequest{
		OrderID:    p.OrderID,
		UserID:     c.userID,
		Asset:      p.Asset,
		TargetRow:  p.TargetRow,
		TargetTime: p.TargetTime,
		Amount:     p.Amount,
		IsPlayMode: isPlayMode,
	})
	if err != nil {
		c.send1(BetEventMessage{
			Type:      MsgTypeBetRejected,
			OrderID:   p.OrderID,
			Code:      domain.CodeOf(err),
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	resp := bet.ToResponse()
	c.send1(BetEventMessage{Type: MsgTypeBetConfirmed, OrderID: bet.OrderID, Bet: &resp, Timestamp: time.Now()})
}

// handleCancelBet lets a client withdraw a still-pending bet before its
// targetTime arrives (spec §4.11).
func (h *Hub) handleCancelBet(c *Client, raw json.RawMessage) {
	var p cancelBetPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.BetID == uuid.Nil {
		c.sendError(domain.CodeInvalidRequest, "cancel_bet requires a betId")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for asset := range h.engines.engines {
		err := h.engines.refund(ctx, asset, p.BetID)
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrBetNotFound) {
			c.sendError(domain.CodeOf(err), err.Error())
			return
		}
	}
	c.sendError(domain.CodeInvalidRequest, "bet not found or no longer cancellable")
}
