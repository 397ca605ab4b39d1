// Package api wires the small HTTP surface that sits alongside the
// WebSocket gateway: the upgrade endpoint itself, liveness/metrics probes,
// and a read-only round history endpoint for out-of-scope admin tooling to
// poll. Generalized from the teacher's internal/api/router.go, stripped of
// every stake-moving REST route (deposit, register, login, cashout) since
// bet placement now happens exclusively over the WebSocket connection
// (spec §4.10/§4.12) — the HTTP/session layer that issues bearer tokens
// remains an external collaborator this engine only verifies against.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evetabi/prediction/internal/config"
	"github.com/evetabi/prediction/internal/domain"
	"github.com/evetabi/prediction/internal/gateway"
)

// RoundHistoryReader is the narrow view of internal/repository.RoundRepository
// the read-model endpoint needs.
type RoundHistoryReader interface {
	ListHistory(ctx context.Context, asset string, limit, offset int) ([]*domain.Round, error)
}

// SnapshotHistoryReader is the narrow view of
// internal/repository.SnapshotRepository the per-round trajectory endpoint
// needs.
type SnapshotHistoryReader interface {
	ListByRound(ctx context.Context, roundID uuid.UUID) ([]domain.PriceSnapshot, error)
}

// RouterDeps bundles everything SetupRouter needs to wire the handlers.
type RouterDeps struct {
	Hub       *gateway.Hub
	Rounds    RoundHistoryReader
	Snapshots SnapshotHistoryReader
	Cfg       *config.Config
	Started   func() bool // reports whether background goroutines have finished startup
}

// SetupRouter builds the gin engine: the WS upgrade route, health/metrics
// probes, and the round history read-model. Generalized from the teacher's
// SetupRouter, which additionally mounted /api/auth, /api/wallet, and
// /api/bets groups that no longer exist in this engine's HTTP surface.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		ready := deps.Started == nil || deps.Started()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":    ready,
			"connected": deps.Hub.ConnectedCount(),
		})
	})

	// Placeholder: this engine emits no Prometheus registry of its own yet;
	// /metrics exists so an operator's scrape config doesn't 404 during
	// rollout. A real registry is a follow-up, not part of this spec's scope.
	r.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "# rowcast metrics placeholder\nrowcast_connected_clients %d\n", deps.Hub.ConnectedCount())
	})

	r.GET("/ws", func(c *gin.Context) {
		deps.Hub.ServeWs(c.Writer, c.Request)
	})

	internal := r.Group("/internal")
	{
		internal.GET("/rounds/:asset", func(c *gin.Context) {
			asset := c.Param("asset")
			limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
			if err != nil || limit <= 0 || limit > 200 {
				limit = 50
			}
			offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
			if err != nil || offset < 0 {
				offset = 0
			}

			rounds, err := deps.Rounds.ListHistory(c.Request.Context(), asset, limit, offset)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load round history"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"asset": asset, "rounds": rounds})
		})

		internal.GET("/rounds/:asset/:roundId/trajectory", func(c *gin.Context) {
			roundID, err := uuid.Parse(c.Param("roundId"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid roundId"})
				return
			}
			snaps, err := deps.Snapshots.ListByRound(c.Request.Context(), roundID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trajectory"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"roundId": roundID, "snapshots": snaps})
		})
	}

	return r
}
