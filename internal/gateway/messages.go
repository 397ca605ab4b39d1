// Package gateway is the realtime WebSocket edge the engine pushes round,
// tick, and bet-outcome events through and receives bet placement requests
// from (spec §4.12). Generalized from the teacher's internal/ws package:
// messages.go defines every frame type, the direct descendant of the
// teacher's own messages.go, widened from one market's up/down pool odds to
// one asset's row/targetTime trajectory and per-connection bet lifecycle.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/domain"
)

// MsgType identifies the kind of frame so a client can switch on it.
type MsgType string

const (
	MsgTypeRoundStart     MsgType = "round:start"
	MsgTypeRoundRunning   MsgType = "round:running"
	MsgTypeRoundEnd       MsgType = "round:end"
	MsgTypeRoundCancelled MsgType = "round:cancelled"
	MsgTypePriceUpdate    MsgType = "price:update"
	MsgTypeStateSnapshot  MsgType = "state:snapshot"
	MsgTypeBetConfirmed   MsgType = "bet:confirmed"
	MsgTypeBetSettled     MsgType = "bet:settled"
	MsgTypeBetRefunded    MsgType = "bet:refunded"
	MsgTypeBetRejected    MsgType = "bet:rejected"
	MsgTypeAuthResult     MsgType = "auth:result"
	MsgTypePong           MsgType = "pong"
	MsgTypeError          MsgType = "error"
)

// Inbound client message types (spec §4.12 "client → server").
const (
	clientMsgAuth         = "auth"
	clientMsgStateRequest = "state_request"
	clientMsgPlaceBet     = "place_bet"
	clientMsgCancelBet    = "cancel_bet"
	clientMsgPing         = "ping"
)

// ──────────────────────────────────────────────────────────────────────────────
// round:start / round:running / round:end / round:cancelled
// ──────────────────────────────────────────────────────────────────────────────

// RoundEventMessage is broadcast to every connection on a lifecycle
// transition of the asset's round.
type RoundEventMessage struct {
	Type       MsgType         `json:"type"`
	Asset      string          `json:"asset"`
	RoundID    uuid.UUID       `json:"roundId"`
	StartPrice decimal.Decimal `json:"startPrice,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// price:update — broadcast every engine tick
// ──────────────────────────────────────────────────────────────────────────────

// PriceUpdateMessage carries the asset's live price and row position.
type PriceUpdateMessage struct {
	Type       MsgType         `json:"type"`
	Asset      string          `json:"asset"`
	RoundID    uuid.UUID       `json:"roundId"`
	Price      decimal.Decimal `json:"price"`
	Row        float64         `json:"row"`
	Elapsed    float64         `json:"elapsed"`
	ActiveBets int             `json:"activeBets"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// state:snapshot — sent once, right after connect or on explicit request
// ──────────────────────────────────────────────────────────────────────────────

// StateSnapshotMessage is the full picture a freshly connected client needs
// to render immediately: the asset's current round plus the caller's own
// balances and recent bet history.
type StateSnapshotMessage struct {
	Type        MsgType              `json:"type"`
	Asset       string               `json:"asset"`
	RoundID     uuid.UUID            `json:"roundId"`
	Status      domain.RoundStatus   `json:"status"`
	StartPrice  decimal.Decimal      `json:"startPrice"`
	Price       decimal.Decimal      `json:"price"`
	Row         float64              `json:"row"`
	Elapsed     float64              `json:"elapsed"`
	Balance     decimal.Decimal      `json:"balance"`
	PlayBalance decimal.Decimal      `json:"playBalance"`
	RecentBets  []domain.BetResponse `json:"recentBets"`
	Timestamp   time.Time            `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// bet:confirmed / bet:settled / bet:refunded / bet:rejected
// ──────────────────────────────────────────────────────────────────────────────

// BetEventMessage reports a bet's admission, or its settlement once
// finalized by internal/settlement. Code/Message are set only on rejection.
type BetEventMessage struct {
	Type      MsgType             `json:"type"`
	OrderID   string              `json:"orderId"`
	Bet       *domain.BetResponse `json:"bet,omitempty"`
	Code      domain.Code         `json:"code,omitempty"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// auth:result / pong / error
// ──────────────────────────────────────────────────────────────────────────────

// AuthResultMessage answers a client's explicit `auth` upgrade request.
type AuthResultMessage struct {
	Type      MsgType   `json:"type"`
	UserID    uuid.UUID `json:"userId"`
	Anonymous bool      `json:"anonymous"`
	Timestamp time.Time `json:"timestamp"`
}

// PongMessage answers a client's application-level `ping`, distinct from
// the transport-level WebSocket ping/pong frames writePump/readPump handle.
type PongMessage struct {
	Type      MsgType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage is sent directly to one connection, never broadcast.
type ErrorMessage struct {
	Type      MsgType     `json:"type"`
	Code      domain.Code `json:"code"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound envelope — client → server
// ──────────────────────────────────────────────────────────────────────────────

// inboundEnvelope is the outer shape of every client-sent frame; payload is
// decoded into its concrete shape only once Type is known.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authPayload struct {
	Token string `json:"token"`
}

type stateRequestPayload struct {
	Asset string `json:"asset"`
}

type placeBetPayload struct {
	OrderID    string          `json:"orderId"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	TargetRow  float64         `json:"targetRow"`
	TargetTime float64         `json:"targetTime"`
	IsPlayMode bool            `json:"isPlayMode"`
}

type cancelBetPayload struct {
	BetID uuid.UUID `json:"betId"`
}
