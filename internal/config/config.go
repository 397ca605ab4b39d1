// Package config provides application configuration loaded from environment
// variables. Use the package-level Get() function to obtain the singleton
// Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP/Gateway server settings.
type ServerConfig struct {
	Port            string // e.g. "8080"
	Env             string // "development" | "production"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string // Gateway Origin allowlist; "*" allows any
	HistoryLimit    int      // max bets replayed in a state snapshot (≤200)
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the cache/lock store connection settings.
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// JWTConfig holds bearer-token verification settings. The engine is a
// relying party only: it never issues tokens (spec §1 out-of-scope line).
type JWTConfig struct {
	AccessSecret string
}

// Assets is the set of symbols the engine runs one round-owning instance
// for, plus that instance's feed endpoint.
type AssetConfig struct {
	Symbol       string
	PriceFeedURL string
}

// RoundConfig holds the per-round tunables enumerated in spec §6.
type RoundConfig struct {
	BettingDuration   time.Duration
	MaxDuration       time.Duration
	MinBetAmount      float64
	MaxBetAmount      float64
	MaxBetsPerUser    int
	MaxBetsPerSecond  int
	HitTolerance      float64
	TickInterval      time.Duration
	MaxActiveBets     int
	MaxRoundPayoutCap float64
	MaxRoundPayoutRatio float64
	PoolInitialBalance  float64
}

// SnapshotConfig holds SnapshotBuffer tunables (spec §4.6).
type SnapshotConfig struct {
	Capacity           int
	BatchSize          int
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	SampleInterval      time.Duration
}

// SettlementConfig holds SettlementQueue tunables (spec §4.7).
type SettlementConfig struct {
	BatchSize        int
	MaxRetries       int
	RetryBaseBackoff time.Duration
	FlushTimeout     time.Duration
	SweepInterval    time.Duration
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Round      RoundConfig
	Snapshot   SnapshotConfig
	Settlement SettlementConfig
	Assets     []AssetConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and
// valid. Returns every validation error found, joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if len(c.Assets) == 0 {
		errs = append(errs, errors.New("ASSETS must name at least one asset symbol"))
	}
	if c.Round.MinBetAmount <= 0 || c.Round.MaxBetAmount <= c.Round.MinBetAmount {
		errs = append(errs, fmt.Errorf(
			"ROUND_MIN_BET_AMOUNT/ROUND_MAX_BET_AMOUNT out of order: min=%.2f max=%.2f",
			c.Round.MinBetAmount, c.Round.MaxBetAmount,
		))
	}
	if c.Round.MaxRoundPayoutRatio <= 0 || c.Round.MaxRoundPayoutRatio > 1 {
		errs = append(errs, fmt.Errorf(
			"ROUND_MAX_PAYOUT_RATIO must be in (0, 1], got %.4f", c.Round.MaxRoundPayoutRatio,
		))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment
// variables. Panics if loading fails.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	historyLimit, err := getInt("HISTORY_LIMIT", 50)
	if err != nil {
		return nil, fmt.Errorf("HISTORY_LIMIT: %w", err)
	}
	if historyLimit > 200 {
		historyLimit = 200
	}

	var origins []string
	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	} else {
		origins = []string{"*"}
	}

	cfg.Server = ServerConfig{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		AllowedOrigins: origins,
		HistoryLimit:   historyLimit,
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "evetabi_rowcast"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	cfg.Redis = RedisConfig{
		URL:          getEnv("REDIS_URL", "localhost:6379"),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           redisDB,
		DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
	}

	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
	}

	minBet, err := getFloat("ROUND_MIN_BET_AMOUNT", 1)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MIN_BET_AMOUNT: %w", err)
	}
	maxBet, err := getFloat("ROUND_MAX_BET_AMOUNT", 1000)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MAX_BET_AMOUNT: %w", err)
	}
	maxBetsPerUser, err := getInt("ROUND_MAX_BETS_PER_USER", 10)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MAX_BETS_PER_USER: %w", err)
	}
	maxBetsPerSecond, err := getInt("ROUND_MAX_BETS_PER_SECOND", 5)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MAX_BETS_PER_SECOND: %w", err)
	}
	hitTolerance, err := getFloat("ROUND_HIT_TOLERANCE", 0.4)
	if err != nil {
		return nil, fmt.Errorf("ROUND_HIT_TOLERANCE: %w", err)
	}
	maxActiveBets, err := getInt("ENGINE_MAX_ACTIVE_BETS", 10000)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_MAX_ACTIVE_BETS: %w", err)
	}
	payoutCap, err := getFloat("ROUND_MAX_PAYOUT_CAP", 50000)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MAX_PAYOUT_CAP: %w", err)
	}
	payoutRatio, err := getFloat("ROUND_MAX_PAYOUT_RATIO", 0.15)
	if err != nil {
		return nil, fmt.Errorf("ROUND_MAX_PAYOUT_RATIO: %w", err)
	}
	poolInitial, err := getFloat("POOL_INITIAL_BALANCE", 10000)
	if err != nil {
		return nil, fmt.Errorf("POOL_INITIAL_BALANCE: %w", err)
	}

	cfg.Round = RoundConfig{
		BettingDuration:     getDuration("ROUND_BETTING_DURATION", 5*time.Second),
		MaxDuration:         getDuration("ROUND_MAX_DURATION", 60*time.Second),
		MinBetAmount:        minBet,
		MaxBetAmount:        maxBet,
		MaxBetsPerUser:      maxBetsPerUser,
		MaxBetsPerSecond:    maxBetsPerSecond,
		HitTolerance:        hitTolerance,
		TickInterval:        getDuration("ROUND_TICK_INTERVAL", 16*time.Millisecond),
		MaxActiveBets:       maxActiveBets,
		MaxRoundPayoutCap:   payoutCap,
		MaxRoundPayoutRatio: payoutRatio,
		PoolInitialBalance:  poolInitial,
	}

	snapCap, err := getInt("SNAPSHOT_BUFFER_CAPACITY", 10000)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_BUFFER_CAPACITY: %w", err)
	}
	snapBatch, err := getInt("SNAPSHOT_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_BATCH_SIZE: %w", err)
	}
	cfg.Snapshot = SnapshotConfig{
		Capacity:       snapCap,
		BatchSize:      snapBatch,
		MinBackoff:     getDuration("SNAPSHOT_MIN_BACKOFF", 200*time.Millisecond),
		MaxBackoff:     getDuration("SNAPSHOT_MAX_BACKOFF", 10*time.Second),
		SampleInterval: getDuration("SNAPSHOT_SAMPLE_INTERVAL", 100*time.Millisecond),
	}

	settleBatch, err := getInt("SETTLEMENT_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_BATCH_SIZE: %w", err)
	}
	settleRetries, err := getInt("SETTLEMENT_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_MAX_RETRIES: %w", err)
	}
	cfg.Settlement = SettlementConfig{
		BatchSize:        settleBatch,
		MaxRetries:       settleRetries,
		RetryBaseBackoff: getDuration("SETTLEMENT_RETRY_BASE_BACKOFF", 200*time.Millisecond),
		FlushTimeout:     getDuration("SETTLEMENT_FLUSH_TIMEOUT", 30*time.Second),
		SweepInterval:    getDuration("SETTLEMENT_SWEEP_INTERVAL", 10*time.Second),
	}

	assetsEnv := getEnv("ASSETS", "BTCUSDT")
	feedURL := getEnv("PRICE_FEED_URL", "wss://stream.binance.com:9443/ws")
	for _, sym := range strings.Split(assetsEnv, ",") {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		cfg.Assets = append(cfg.Assets, AssetConfig{Symbol: sym, PriceFeedURL: feedURL})
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or fails to parse.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
