// Package pricefeed maintains a single reconnecting WebSocket connection to
// an external trade-price stream for one asset and republishes the latest
// price to subscribers. Generalized from the teacher's REST-polling,
// multi-exchange internal/service/price_service.go (concurrent fetch + TTL
// cache + per-source health tracking) into a single push-driven connection,
// informed by Dragoon4002-crash-backend's single-goroutine game-loop idiom
// for how a tick-driven consumer should read off a live feed.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Status reports the feed's connectivity health, consulted by the engine
// before it will start a new round (spec §4.2 edge case: no round starts
// without a fresh price) and while a round is running (spec §4.4 "stalled
// feed" handling).
type Status int

const (
	StatusConnecting Status = iota
	StatusHealthy
	StatusStale    // no tick within staleAfter
	StatusCritical // no tick within criticalAfter; round must pause/cancel
)

// tradeMessage is the minimal shape this feed expects from the upstream
// stream: a last-trade price update. Exchanges vary in envelope; adapting
// to a specific exchange's JSON shape is a one-line change to unmarshalPrice.
type tradeMessage struct {
	Price string `json:"price"`
}

// Feed owns one reconnecting connection for one asset symbol.
type Feed struct {
	asset         string
	url           string
	staleAfter    time.Duration
	criticalAfter time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration

	mu        sync.RWMutex
	lastPrice decimal.Decimal
	lastTick  time.Time
	status    Status

	subs   []chan decimal.Decimal
	subsMu sync.Mutex

	dial func(url string) (*websocket.Conn, error)
}

// Config bundles the tunables a Feed is constructed with.
type Config struct {
	Asset         string
	URL           string
	StaleAfter    time.Duration
	CriticalAfter time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// New constructs a Feed. Run must be called to start the connection loop.
func New(cfg Config) *Feed {
	return &Feed{
		asset:         cfg.Asset,
		url:           cfg.URL,
		staleAfter:    cfg.StaleAfter,
		criticalAfter: cfg.CriticalAfter,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		status:        StatusConnecting,
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// Subscribe registers a channel that receives every price tick. The
// channel has a buffer of 16; a full channel drops the tick rather
// than blocking the feed (diagnostic delivery, not authoritative — the
// engine's own GameState.lastPrice is authoritative, per spec §4.2).
func (f *Feed) Subscribe() <-chan decimal.Decimal {
	ch := make(chan decimal.Decimal, 16)
	f.subsMu.Lock()
	f.subs = append(f.subs, ch)
	f.subsMu.Unlock()
	return ch
}

// LastPrice returns the most recently observed price and whether one has
// ever been received.
func (f *Feed) LastPrice() (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, !f.lastTick.IsZero()
}

// StatusNow reports the feed's current health, recomputed against the wall
// clock rather than cached, since staleness is purely a function of elapsed
// time since the last tick.
func (f *Feed) StatusNow() Status {
	f.mu.RLock()
	last := f.lastTick
	connecting := f.status == StatusConnecting
	f.mu.RUnlock()

	if connecting && last.IsZero() {
		return StatusConnecting
	}
	age := time.Since(last)
	switch {
	case age >= f.criticalAfter:
		return StatusCritical
	case age >= f.staleAfter:
		return StatusStale
	default:
		return StatusHealthy
	}
}

// Run drives the reconnect loop until ctx is cancelled. Each failed dial or
// dropped connection triggers exponential backoff capped at backoffMax,
// mirroring the teacher's fetch-retry idiom in price_service.go.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := f.dial(f.url)
		if err != nil {
			slog.Warn("pricefeed dial failed", "asset", f.asset, "err", err, "retry_in", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, f.backoffMax)
			continue
		}

		slog.Info("pricefeed connected", "asset", f.asset)
		backoff = f.backoffBase
		f.readLoop(ctx, conn)
		conn.Close()

		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, f.backoffMax)
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()
	defer func() {
		select {
		case <-done:
		default:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("pricefeed read error", "asset", f.asset, "err", err)
			return
		}
		price, err := unmarshalPrice(data)
		if err != nil {
			slog.Debug("pricefeed unparseable message dropped", "asset", f.asset, "err", err)
			continue
		}
		f.publish(price)
	}
}

func (f *Feed) publish(price decimal.Decimal) {
	f.mu.Lock()
	f.lastPrice = price
	f.lastTick = time.Now()
	f.status = StatusHealthy
	f.mu.Unlock()

	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- price:
		default:
		}
	}
}

func unmarshalPrice(data []byte) (decimal.Decimal, error) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return decimal.Zero, fmt.Errorf("pricefeed: unmarshal: %w", err)
	}
	return decimal.NewFromString(msg.Price)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
