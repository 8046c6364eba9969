package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the trading kernel
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Env string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis (optional trade-id fast path)
	Redis RedisConfig

	// Venue
	Deribit DeribitConfig

	// Safety kernel
	Safety SafetyConfig

	// Status surface
	StatusPort string

	// Logging
	LogLevel  string
	LogFormat string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DeribitConfig holds Deribit API configuration
type DeribitConfig struct {
	BaseURL   string
	WSURL     string
	ClientID  string
	ClientKey string
	Currency  string // settlement currency for private queries
	IsTestnet bool   // 테스트넷 여부

	// Book channels watched for continuity (comma-separated env)
	Instruments []string

	// Outbound request rate limit (requests/sec, burst)
	RateLimit float64
	RateBurst int

	// Heartbeat / reconnect
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// SafetyConfig holds every threshold the safety kernel reads
// ⭐ SSOT: 안전 임계값은 여기서만 정의
type SafetyConfig struct {
	// Tick loop
	TickInterval time.Duration

	// Margin headroom gate (mm_util = maintenance_margin / equity)
	MMUtilRejectOpens float64 // 신규 오픈 거부 임계값
	MMUtilReduceOnly  float64 // ReduceOnly 진입 임계값
	MMUtilKill        float64 // Kill 진입 임계값

	// Critical input freshness bounds
	MMUtilMaxAge    time.Duration
	DiskUsedMaxAge  time.Duration
	BookFeedMaxAge  time.Duration
	TradeFeedMaxAge time.Duration
	SnapshotMaxSkew time.Duration

	// Disk watermarks
	DiskDegradedPct float64
	DiskKillPct     float64

	// Private channel liveness
	WSZombieSilence time.Duration
	WatchdogKill    time.Duration

	// Open Permission Latch / reconciliation
	PositionReconcileEpsilon float64
	ReconcileTradeLookback   time.Duration
	ReconcileInterval        time.Duration

	// Intent ledger writer isolation
	LedgerQueueCapacity   int
	LedgerErrorTripCount  int
	LedgerErrorTripWindow time.Duration

	// Atomic group execution
	AtomicQtyEpsilon  float64
	RescueMaxAttempts int
	GroupLockMaxWait  time.Duration

	// Containment
	CloseBufferTicks int
	CloseMaxAttempts int
	L2SnapshotMaxAge time.Duration
	MaxSlippageBps   float64

	// Cancel loop
	CancelOpenBatchMax int
	CancelOpenBudget   time.Duration
	StaleOrderAge      time.Duration

	// Trade registry retention
	TradeRegistryRetention time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Env: getEnv("ENV", "development"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		Deribit: DeribitConfig{
			BaseURL:           getEnv("DERIBIT_BASE_URL", "https://www.deribit.com"),
			WSURL:             getEnv("DERIBIT_WS_URL", "wss://www.deribit.com/ws/api/v2"),
			ClientID:          getEnv("DERIBIT_CLIENT_ID", ""),
			ClientKey:         getEnv("DERIBIT_CLIENT_KEY", ""),
			Currency:          getEnv("DERIBIT_CURRENCY", "BTC"),
			IsTestnet:         getEnvAsBool("DERIBIT_IS_TESTNET", true),
			Instruments:       getEnvAsSlice("DERIBIT_INSTRUMENTS", "BTC-PERPETUAL"),
			RateLimit:         getEnvAsFloat("DERIBIT_RATE_LIMIT", 10),
			RateBurst:         getEnvAsInt("DERIBIT_RATE_BURST", 20),
			HeartbeatInterval: getEnvAsDuration("DERIBIT_HEARTBEAT_INTERVAL", "10s"),
			ReconnectDelay:    getEnvAsDuration("DERIBIT_RECONNECT_DELAY", "5s"),
			MaxReconnectDelay: getEnvAsDuration("DERIBIT_MAX_RECONNECT_DELAY", "5m"),
		},

		Safety: SafetyConfig{
			TickInterval: getEnvAsDuration("TICK_INTERVAL", "250ms"),

			MMUtilRejectOpens: getEnvAsFloat("MM_UTIL_REJECT_OPENS", 0.70),
			MMUtilReduceOnly:  getEnvAsFloat("MM_UTIL_REDUCEONLY", 0.85),
			MMUtilKill:        getEnvAsFloat("MM_UTIL_KILL", 0.95),

			MMUtilMaxAge:    getEnvAsDuration("MM_UTIL_MAX_AGE", "30s"),
			DiskUsedMaxAge:  getEnvAsDuration("DISK_USED_MAX_AGE", "30s"),
			BookFeedMaxAge:  getEnvAsDuration("BOOK_FEED_MAX_AGE", "5s"),
			TradeFeedMaxAge: getEnvAsDuration("TRADE_FEED_MAX_AGE", "5s"),
			SnapshotMaxSkew: getEnvAsDuration("SNAPSHOT_MAX_SKEW", "1s"),

			DiskDegradedPct: getEnvAsFloat("DISK_DEGRADED_PCT", 0.85),
			DiskKillPct:     getEnvAsFloat("DISK_KILL_PCT", 0.92),

			WSZombieSilence: getEnvAsDuration("WS_ZOMBIE_SILENCE", "15s"),
			WatchdogKill:    getEnvAsDuration("WATCHDOG_KILL", "10s"),

			PositionReconcileEpsilon: getEnvAsFloat("POSITION_RECONCILE_EPSILON", 1e-6),
			ReconcileTradeLookback:   getEnvAsDuration("RECONCILE_TRADE_LOOKBACK", "300s"),
			ReconcileInterval:        getEnvAsDuration("RECONCILE_INTERVAL", "60s"),

			LedgerQueueCapacity:   getEnvAsInt("LEDGER_QUEUE_CAPACITY", 1024),
			LedgerErrorTripCount:  getEnvAsInt("LEDGER_ERROR_TRIP_COUNT", 3),
			LedgerErrorTripWindow: getEnvAsDuration("LEDGER_ERROR_TRIP_WINDOW", "300s"),

			AtomicQtyEpsilon:  getEnvAsFloat("ATOMIC_QTY_EPSILON", 1e-6),
			RescueMaxAttempts: getEnvAsInt("RESCUE_MAX_ATTEMPTS", 2),
			GroupLockMaxWait:  getEnvAsDuration("GROUP_LOCK_MAX_WAIT", "10ms"),

			CloseBufferTicks: getEnvAsInt("CLOSE_BUFFER_TICKS", 5),
			CloseMaxAttempts: getEnvAsInt("CLOSE_MAX_ATTEMPTS", 3),
			L2SnapshotMaxAge: getEnvAsDuration("L2_SNAPSHOT_MAX_AGE", "1s"),
			MaxSlippageBps:   getEnvAsFloat("MAX_SLIPPAGE_BPS", 10),

			CancelOpenBatchMax: getEnvAsInt("CANCEL_OPEN_BATCH_MAX", 50),
			CancelOpenBudget:   getEnvAsDuration("CANCEL_OPEN_BUDGET", "200ms"),
			StaleOrderAge:      getEnvAsDuration("STALE_ORDER_AGE", "30s"),

			TradeRegistryRetention: getEnvAsDuration("TRADE_REGISTRY_RETENTION", "48h"),
		},

		StatusPort: getEnv("STATUS_PORT", "8089"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
// 임계값 순서가 깨지면 기동 자체를 거부 (fail-closed)
func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	s := c.Safety
	if !(s.MMUtilRejectOpens > 0 && s.MMUtilRejectOpens <= s.MMUtilReduceOnly && s.MMUtilReduceOnly <= s.MMUtilKill && s.MMUtilKill <= 1.0) {
		return fmt.Errorf("mm_util thresholds must satisfy 0 < reject_opens <= reduceonly <= kill <= 1 (got %.2f/%.2f/%.2f)",
			s.MMUtilRejectOpens, s.MMUtilReduceOnly, s.MMUtilKill)
	}
	if !(s.DiskDegradedPct > 0 && s.DiskDegradedPct <= s.DiskKillPct && s.DiskKillPct <= 1.0) {
		return fmt.Errorf("disk watermarks must satisfy 0 < degraded <= kill <= 1 (got %.2f/%.2f)",
			s.DiskDegradedPct, s.DiskKillPct)
	}
	if s.LedgerQueueCapacity <= 0 {
		return fmt.Errorf("LEDGER_QUEUE_CAPACITY must be positive")
	}
	if s.RescueMaxAttempts < 0 {
		return fmt.Errorf("RESCUE_MAX_ATTEMPTS must not be negative")
	}
	if s.CloseMaxAttempts <= 0 {
		return fmt.Errorf("CLOSE_MAX_ATTEMPTS must be positive")
	}
	if s.GroupLockMaxWait <= 0 {
		return fmt.Errorf("GROUP_LOCK_MAX_WAIT must be positive")
	}
	if s.PositionReconcileEpsilon <= 0 || s.AtomicQtyEpsilon <= 0 {
		return fmt.Errorf("reconcile/atomic epsilons must be positive")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",         // Current directory
		"backend/.env", // From project root
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
			filepath.Join(exeDir, "..", "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
