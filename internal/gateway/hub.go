package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/api/middleware"
	"github.com/evetabi/prediction/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables — widened from the teacher's push-only hub to a bidirectional one
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 25 * time.Second
	pongWait       = 60 * time.Second // must be > pingInterval
	maxMessageSize = 4096             // bytes; clients now send structured requests
	sendBufferSize = 256              // messages in each client send channel
)

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one connected WebSocket endpoint. userID is always
// populated — a real bearer-token identity, or a deterministic UUID derived
// from a synthetic anon-<connectionId> string (spec §9 "Anonymous
// sessions") — so downstream admission code never special-cases anonymity
// beyond the IsPlayMode flag it forces.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	anon   bool
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub maintains the set of active connections, the per-user room index used
// to target bet lifecycle events, and routes broadcast frames to every
// connection. Run() must be called in a dedicated goroutine before ServeWs
// is used. Generalized from the teacher's internal/ws.Hub, widened with a
// rooms index (the teacher broadcast everything; here bet:confirmed/
// settled/refunded/rejected must reach only the bettor who placed it) and a
// bidirectional read path (the teacher's hub was push-only).
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[uuid.UUID]map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	jwtSecret string
	upgrader  websocket.Upgrader

	engines *Registry
	deps    Deps
}

// Deps bundles the collaborators Hub needs beyond the per-asset engines:
// balance/history lookups for snapshot-on-connect and the lazy anonymous
// user provisioning EnsureAnonymous performs.
type Deps struct {
	Users           UserReader
	Bets            BetReader
	HistoryLimit    int
	AnonPlayBalance decimal.Decimal
}

// NewHub creates a Hub ready to be started with Run().
func NewHub(jwtSecret string, allowedOrigins []string, engines *Registry, deps Deps) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		jwtSecret:  jwtSecret,
		engines:    engines,
		deps:       deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

// SetRegistry binds the per-asset engine registry after construction,
// breaking the Hub/Engine construction cycle: engines need the Hub as
// their Broadcaster/Emitter before they exist to be registered, so main
// wires the Hub first with a nil registry and fills it in once every
// engine is built. Must be called before Run() or ServeWs are reachable by
// another goroutine.
func (h *Hub) SetRegistry(engines *Registry) {
	h.engines = engines
}

func checkOrigin(allowedOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowedOrigins) == 0 {
			return true // dev mode: allow all
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Run — hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration, and broadcast events
// sequentially. Call it once as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.joinRoom(client)
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.leaveRoom(client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer is stalled; writePump will detect and drop it.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// joinRoom/leaveRoom must be called with h.mu already held.
func (h *Hub) joinRoom(c *Client) {
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[c.userID] = room
	}
	room[c] = true
}

func (h *Hub) leaveRoom(c *Client) {
	room, ok := h.rooms[c.userID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.userID)
	}
}

// rebind moves a client from its current room (anonymous or not) to
// userID's room — used once an in-flight `auth` upgrade succeeds.
func (h *Hub) rebind(c *Client, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoom(c)
	c.userID = userID
	c.anon = false
	h.joinRoom(c)
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs — HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades an HTTP request to a WebSocket connection, resolves the
// caller's identity (bearer token, cookie, or a synthetic anonymous id), and
// starts the read/write pumps. Mirrors the teacher's ServeWs, widened with
// cookie/header token sources (the teacher only read a query parameter) and
// the anonymous-identity provisioning the teacher's single-market game
// never needed.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "err", err)
		return
	}

	userID, anon := h.resolveIdentity(r.Context(), r)
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		anon:   anon,
	}
	h.register <- client
	h.onConnect(client)

	go client.writePump()
	go client.readPump()
}

// resolveIdentity authenticates the connection via bearer token (query
// param, Authorization header, or an access_token cookie, in that order of
// precedence), falling back to a deterministic anonymous identity so
// play-mode admission always has a uuid.UUID to work with (spec §9).
func (h *Hub) resolveIdentity(ctx context.Context, r *http.Request) (uuid.UUID, bool) {
	if token := extractToken(r); token != "" && h.jwtSecret != "" {
		if id, err := middleware.VerifyAccessToken(token, h.jwtSecret); err == nil {
			return id, false
		}
	}
	return h.provisionAnonymous(ctx)
}

func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// provisionAnonymous derives a stable UUID from a fresh anon-<connectionId>
// string (domain.AnonymousPrefix) and lazily persists a disposable play-mode
// user row for it, bridging PlaceBetRequest's uuid.UUID field with the
// string-keyed anonymous-session model spec §9 describes.
func (h *Hub) provisionAnonymous(ctx context.Context) (uuid.UUID, bool) {
	anonStr := domain.AnonymousPrefix + uuid.New().String()
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(anonStr))
	if err := h.deps.Users.EnsureAnonymous(ctx, id, h.deps.AnonPlayBalance); err != nil {
		slog.Warn("gateway: failed to provision anonymous user", "err", err)
	}
	return id, true
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection, sending a ping frame every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection and dispatches them by type.
// Unlike the teacher's push-only hub, this protocol is bidirectional: auth,
// state_request, place_bet, and ping are all handled inline on this
// goroutine so a slow client can never block admission for others.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("gateway: unexpected close", "user_id", c.userID, "err", err)
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError(domain.CodeInvalidRequest, "malformed message")
			continue
		}
		c.hub.dispatch(c, env)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound helpers
// ──────────────────────────────────────────────────────────────────────────────

func (h *Hub) broadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal error", "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		slog.Warn("gateway: broadcast channel full, message dropped")
	}
}

// sendToRoom delivers v to every connection registered under userID,
// silently doing nothing if that user has no open connection.
func (h *Hub) sendToRoom(userID uuid.UUID, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal error", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[userID] {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (c *Client) send1(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code domain.Code, message string) {
	c.send1(ErrorMessage{Type: MsgTypeError, Code: code, Message: message, Timestamp: time.Now()})
}
