package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

// TestCheckOriginDevMode validates that an empty allowlist accepts every
// origin, matching the teacher's dev-mode default.
func TestCheckOriginDevMode(t *testing.T) {
	check := checkOrigin(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !check(req) {
		t.Error("checkOrigin(nil) should allow any origin in dev mode")
	}
}

// TestCheckOriginAllowlist validates exact-match and wildcard entries.
func TestCheckOriginAllowlist(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match allowed", []string{"https://evetabi.com"}, "https://evetabi.com", true},
		{"mismatch rejected", []string{"https://evetabi.com"}, "https://evil.example", false},
		{"wildcard entry allows any", []string{"*"}, "https://anything.example", true},
		{"empty origin header rejected", []string{"https://evetabi.com"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := checkOrigin(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := check(req); got != tt.want {
				t.Errorf("checkOrigin(%v)(origin=%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}

// TestExtractTokenPrecedence validates the query param > Authorization
// header > cookie precedence order, and that a connection with none of the
// three yields an empty token (falling back to anonymous identity).
func TestExtractTokenPrecedence(t *testing.T) {
	t.Run("query param wins over header and cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		req.Header.Set("Authorization", "Bearer from-header")
		req.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
		if got := extractToken(req); got != "from-query" {
			t.Errorf("extractToken() = %q, want %q", got, "from-query")
		}
	})

	t.Run("header wins over cookie when no query param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer from-header")
		req.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
		if got := extractToken(req); got != "from-header" {
			t.Errorf("extractToken() = %q, want %q", got, "from-header")
		}
	})

	t.Run("cookie used as last resort", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: "from-cookie"})
		if got := extractToken(req); got != "from-cookie" {
			t.Errorf("extractToken() = %q, want %q", got, "from-cookie")
		}
	})

	t.Run("no token source yields empty string", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if got := extractToken(req); got != "" {
			t.Errorf("extractToken() = %q, want empty", got)
		}
	})
}

// TestJoinLeaveRoom validates the per-user room index stays consistent as
// clients connect, a second connection for the same user joins the same
// room, and disconnects clear the room entirely once empty.
func TestJoinLeaveRoom(t *testing.T) {
	h := &Hub{rooms: make(map[uuid.UUID]map[*Client]bool)}
	userID := uuid.New()
	a := &Client{userID: userID}
	b := &Client{userID: userID}
	other := &Client{userID: uuid.New()}

	h.joinRoom(a)
	h.joinRoom(b)
	h.joinRoom(other)

	if room := h.rooms[userID]; len(room) != 2 {
		t.Fatalf("expected 2 clients in userID's room, got %d", len(room))
	}
	if len(h.rooms[other.userID]) != 1 {
		t.Fatalf("expected 1 client in other's room, got %d", len(h.rooms[other.userID]))
	}

	h.leaveRoom(a)
	if room := h.rooms[userID]; len(room) != 1 {
		t.Fatalf("expected 1 client left in userID's room after leave, got %d", len(room))
	}

	h.leaveRoom(b)
	if _, ok := h.rooms[userID]; ok {
		t.Fatal("expected userID's room to be removed once empty")
	}
	if _, ok := h.rooms[other.userID]; !ok {
		t.Fatal("other's room should be untouched")
	}
}

// TestRebind moves a client from its original (anonymous) room into the
// authenticated user's room once an in-flight auth upgrade succeeds.
func TestRebind(t *testing.T) {
	h := &Hub{rooms: make(map[uuid.UUID]map[*Client]bool)}
	anonID := uuid.New()
	realID := uuid.New()
	c := &Client{userID: anonID, anon: true}

	h.mu.Lock()
	h.joinRoom(c)
	h.mu.Unlock()

	h.rebind(c, realID)

	if c.anon {
		t.Error("rebind should clear the anon flag")
	}
	if c.userID != realID {
		t.Errorf("rebind should update userID to %s, got %s", realID, c.userID)
	}
	if _, ok := h.rooms[anonID]; ok {
		t.Error("anonymous room should be vacated after rebind")
	}
	if room := h.rooms[realID]; len(room) != 1 || !room[c] {
		t.Error("client should be registered in the new room after rebind")
	}
}
