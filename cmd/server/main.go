// Package main is the entry point for the rowcast prediction-game engine.
// It wires together one PriceFeed/Engine pair per configured asset, the
// shared settlement/risk/lock/ledger collaborators, the compensation
// sweeper, and the realtime Gateway, then starts the HTTP server that hosts
// the WebSocket upgrade route alongside health and round-history endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/evetabi/prediction/internal/api"
	"github.com/evetabi/prediction/internal/config"
	"github.com/evetabi/prediction/internal/engine"
	"github.com/evetabi/prediction/internal/gateway"
	"github.com/evetabi/prediction/internal/ledger"
	"github.com/evetabi/prediction/internal/lock"
	"github.com/evetabi/prediction/internal/pricefeed"
	"github.com/evetabi/prediction/internal/ratelimit"
	"github.com/evetabi/prediction/internal/repository"
	"github.com/evetabi/prediction/internal/risk"
	"github.com/evetabi/prediction/internal/settlement"
	"github.com/evetabi/prediction/internal/snapshot"
)

// anonPlayBalance seeds every anonymous (unauthenticated) session with a
// synthetic play-mode balance (spec §9): anon ids never touch the ledger
// or HousePool, so this is not real money and never needs replenishing.
const anonPlayBalance = 10000

// snapshotRetentionRounds bounds how many of an asset's most recent rounds
// keep their price_snapshots rows; older rounds' trajectories are pruned on
// snapshotRetentionInterval so the table doesn't grow unbounded.
const (
	snapshotRetentionRounds  = 500
	snapshotRetentionInterval = time.Hour
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	logger.Info("starting rowcast engine", "env", cfg.Server.Env, "port", cfg.Server.Port, "assets", assetSymbols(cfg))

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Redis (cache/lock store) ───────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.URL,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	{
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis ping failed", "err", err)
			os.Exit(1)
		}
	}
	logger.Info("redis connected")

	// ── 5. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	roundRepo := repository.NewRoundRepository(db)
	betRepo := repository.NewBetRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	poolRepo := repository.NewHousePoolRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)

	// ── 6. Shared collaborators ───────────────────────────────────────────────
	fl := ledger.New(db, userRepo, ledgerRepo, poolRepo)
	lockSvc := lock.New(rdb)
	riskMgr := risk.New(rdb)
	limiter := ratelimit.New(rdb, cfg.Round.MaxBetsPerSecond, time.Second)

	// ── 7. Gateway hub (engines wired in after they're constructed below) ────
	hub := gateway.NewHub(cfg.JWT.AccessSecret, cfg.Server.AllowedOrigins, nil, gateway.Deps{
		Users:           userRepo,
		Bets:            betRepo,
		HistoryLimit:    cfg.Server.HistoryLimit,
		AnonPlayBalance: decimal.NewFromInt(anonPlayBalance),
	})

	// ── 8. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// ── 9. Per-asset price feeds + engines ────────────────────────────────────
	engines := make(map[string]*engine.Engine, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		if err := poolRepo.EnsureExists(ctx, asset.Symbol, decimal.NewFromFloat(cfg.Round.PoolInitialBalance)); err != nil {
			logger.Error("house pool init failed", "asset", asset.Symbol, "err", err)
			os.Exit(1)
		}

		feed := pricefeed.New(pricefeed.Config{
			Asset:         asset.Symbol,
			URL:           asset.PriceFeedURL,
			StaleAfter:    5 * time.Second,
			CriticalAfter: 10 * time.Second,
			BackoffBase:   time.Second,
			BackoffMax:    30 * time.Second,
		})

		queue := settlement.New(db, fl, betRepo, riskMgr, hub, settlement.Config{
			BatchSize:     cfg.Settlement.BatchSize,
			BatchInterval: 200 * time.Millisecond,
			QueueCapacity: cfg.Round.MaxActiveBets,
		})

		buffer := snapshot.New(snapshotRepo, snapshot.Config{
			Capacity:      cfg.Snapshot.Capacity,
			BatchSize:     cfg.Snapshot.BatchSize,
			FlushInterval: cfg.Snapshot.SampleInterval,
			BackoffBase:   cfg.Snapshot.MinBackoff,
			BackoffMax:    cfg.Snapshot.MaxBackoff,
		})

		sweeper := settlement.NewSweeper(roundRepo, betRepo, queue, cfg.Settlement.SweepInterval)

		eng := engine.New(engine.Config{
			Asset:               asset.Symbol,
			BettingDuration:     cfg.Round.BettingDuration,
			MaxDuration:         cfg.Round.MaxDuration,
			TickInterval:        cfg.Round.TickInterval,
			MinBetAmount:        decimal.NewFromFloat(cfg.Round.MinBetAmount),
			MaxBetAmount:        decimal.NewFromFloat(cfg.Round.MaxBetAmount),
			MaxBetsPerUser:      cfg.Round.MaxBetsPerUser,
			MaxActiveBets:       cfg.Round.MaxActiveBets,
			MaxRoundPayoutCap:   decimal.NewFromFloat(cfg.Round.MaxRoundPayoutCap),
			MaxRoundPayoutRatio: decimal.NewFromFloat(cfg.Round.MaxRoundPayoutRatio),
			LockTTL:             cfg.Round.MaxDuration + 60*time.Second,
			HitTolerance:        cfg.Round.HitTolerance,
		}, db, roundRepo, betRepo, userRepo, fl, riskMgr, lockSvc, feed, queue, hub, buffer, sweeper)

		engines[asset.Symbol] = eng

		wg.Add(5)
		go func() { defer wg.Done(); feed.Run(ctx) }()
		go func() { defer wg.Done(); queue.Run(ctx) }()
		go func() { defer wg.Done(); buffer.Run(ctx) }()
		go func() { defer wg.Done(); sweeper.Run(ctx) }()
		go func() { defer wg.Done(); eng.Run(ctx) }()

		logger.Info("engine started", "asset", asset.Symbol)
	}

	registry := gateway.NewRegistry(engines, limiter)
	hub.SetRegistry(registry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSnapshotRetention(ctx, snapshotRepo, cfg)
	}()

	// ── 10. WebSocket hub loop ────────────────────────────────────────────────
	// hub.Run has no stop signal, so it is not part of the shutdown wait below.
	go hub.Run()
	logger.Info("gateway hub started")

	// ── 11. HTTP router ───────────────────────────────────────────────────────
	var ready atomic.Bool
	ready.Store(true)

	router := api.SetupRouter(api.RouterDeps{
		Hub:       hub,
		Rounds:    roundRepo,
		Snapshots: snapshotRepo,
		Cfg:       cfg,
		Started:   ready.Load,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 12. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	wg.Wait() // feeds/engines/queues/buffers/sweepers all observe ctx.Done() above

	_ = rdb.Close()
	db.Close()
	logger.Info("server stopped cleanly")
}

// runSnapshotRetention periodically prunes price_snapshots down to the most
// recent snapshotRetentionRounds per asset, stopping when ctx is cancelled.
func runSnapshotRetention(ctx context.Context, repo *repository.SnapshotRepository, cfg *config.Config) {
	ticker := time.NewTicker(snapshotRetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, asset := range cfg.Assets {
				if err := repo.DeleteOlderThanRounds(ctx, asset.Symbol, snapshotRetentionRounds); err != nil {
					slog.Warn("snapshot retention sweep failed", "asset", asset.Symbol, "err", err)
				}
			}
		}
	}
}

func assetSymbols(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		out = append(out, a.Symbol)
	}
	return out
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially. Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("migrations dir not found, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
