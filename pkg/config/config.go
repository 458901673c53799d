package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Trading policies accepted by TRADING_POLICY.
const (
	PolicyManual = "manual"
	PolicyHedged = "hedged"
)

// Config holds all application configuration.
type Config struct {
	// Application
	LogLevel string
	HTTPPort string

	// Market cycle
	MarketSymbol       string
	MarketSlotDuration time.Duration

	// Polymarket API
	PolymarketClobURL    string
	PolymarketGammaURL   string
	PolymarketDataAPIURL string
	PolymarketAPIKey     string
	PolymarketSecret     string
	PolymarketPassphrase string

	// Wallet
	PrivateKey    string
	ProxyAddress  string
	SignatureType int

	// Chain
	PolygonRPCURL           string
	ChainGasLimit           uint64
	ChainGasPriceMultiplier float64

	// Feeds
	FeedIndexWSURL          string
	FeedIndexSymbol         string
	FeedBookWSURL           string
	FeedMaxStaleness        time.Duration
	WSDialTimeout           time.Duration
	WSPongTimeout           time.Duration
	WSPingInterval          time.Duration
	WSReconnectInitialDelay time.Duration
	WSReconnectMaxDelay     time.Duration
	WSReconnectBackoffMult  float64
	WSMessageBufferSize     int

	// Trading loop
	TradingPolicy       string
	TradingTickInterval time.Duration
	HedgeTargetCombined float64
	HedgeMaxUnpaired    float64

	// Settlement
	SettleOracleGrace    time.Duration
	SettlePollInterval   time.Duration
	SettleMaxAttempts    int
	SettleRetryDelay     time.Duration
	SettleConfirmTimeout time.Duration
	SettleLockTimeout    time.Duration
	SettleLockPath       string
	SettleAutoRedeem     bool

	// Balance circuit breaker
	MinBalanceUSD          float64
	BalanceCheckInterval   time.Duration
	BalanceHysteresisRatio float64

	// Notifications
	TelegramBotToken string
	TelegramChatID   int64
	NotifyRateLimit  float64

	// Storage
	StorageMode  string // "postgres" or "console"
	PostgresHost string
	PostgresPort string
	PostgresUser string
	PostgresPass string
	PostgresDB   string
	PostgresSSL  string
}

// LoadFromEnv loads configuration from environment variables with defaults.
// A .env file in the working directory is loaded first when present.
func LoadFromEnv() (*Config, error) {
	// Missing .env is fine, the environment may already be populated.
	_ = godotenv.Load()

	cfg := &Config{
		// Application defaults
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),

		// Market cycle defaults
		MarketSymbol:       strings.ToLower(getEnvOrDefault("MARKET_SYMBOL", "btc")),
		MarketSlotDuration: getDurationOrDefault("MARKET_SLOT_DURATION", 15*time.Minute),

		// Polymarket API defaults
		PolymarketClobURL:    getEnvOrDefault("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		PolymarketGammaURL:   getEnvOrDefault("POLYMARKET_GAMMA_URL", "https://gamma-api.polymarket.com"),
		PolymarketDataAPIURL: getEnvOrDefault("POLYMARKET_DATA_API_URL", "https://data-api.polymarket.com"),
		PolymarketAPIKey:     os.Getenv("POLYMARKET_API_KEY"),
		PolymarketSecret:     os.Getenv("POLYMARKET_SECRET"),
		PolymarketPassphrase: os.Getenv("POLYMARKET_PASSPHRASE"),

		// Wallet defaults
		PrivateKey:    os.Getenv("POLYMARKET_PRIVATE_KEY"),
		ProxyAddress:  os.Getenv("POLYMARKET_PROXY_ADDRESS"),
		SignatureType: getIntOrDefault("POLYMARKET_SIGNATURE_TYPE", 0),

		// Chain defaults
		PolygonRPCURL:           getEnvOrDefault("POLYGON_RPC_URL", "https://polygon-rpc.com"),
		ChainGasLimit:           uint64(getIntOrDefault("CHAIN_GAS_LIMIT", 500000)),
		ChainGasPriceMultiplier: getFloat64OrDefault("CHAIN_GAS_PRICE_MULTIPLIER", 1.5),

		// Feed defaults
		FeedIndexWSURL:          getEnvOrDefault("FEED_INDEX_WS_URL", "wss://stream.binance.com:9443/ws"),
		FeedIndexSymbol:         strings.ToLower(getEnvOrDefault("FEED_INDEX_SYMBOL", "btcusdt")),
		FeedBookWSURL:           getEnvOrDefault("FEED_BOOK_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		FeedMaxStaleness:        getDurationOrDefault("FEED_MAX_STALENESS", 5*time.Second),
		WSDialTimeout:           getDurationOrDefault("WS_DIAL_TIMEOUT", 10*time.Second),
		WSPongTimeout:           getDurationOrDefault("WS_PONG_TIMEOUT", 15*time.Second),
		WSPingInterval:          getDurationOrDefault("WS_PING_INTERVAL", 10*time.Second),
		WSReconnectInitialDelay: getDurationOrDefault("WS_RECONNECT_INITIAL_DELAY", 1*time.Second),
		WSReconnectMaxDelay:     getDurationOrDefault("WS_RECONNECT_MAX_DELAY", 30*time.Second),
		WSReconnectBackoffMult:  getFloat64OrDefault("WS_RECONNECT_BACKOFF_MULTIPLIER", 2.0),
		WSMessageBufferSize:     getIntOrDefault("WS_MESSAGE_BUFFER_SIZE", 1000),

		// Trading loop defaults
		TradingPolicy:       strings.ToLower(getEnvOrDefault("TRADING_POLICY", PolicyManual)),
		TradingTickInterval: getDurationOrDefault("TRADING_TICK_INTERVAL", 500*time.Millisecond),
		HedgeTargetCombined: getFloat64OrDefault("HEDGE_TARGET_COMBINED", 0.97),
		HedgeMaxUnpaired:    getFloat64OrDefault("HEDGE_MAX_UNPAIRED", 50),

		// Settlement defaults
		SettleOracleGrace:    getDurationOrDefault("SETTLE_ORACLE_GRACE", 2*time.Minute),
		SettlePollInterval:   getDurationOrDefault("SETTLE_POLL_INTERVAL", 30*time.Second),
		SettleMaxAttempts:    getIntOrDefault("SETTLE_MAX_ATTEMPTS", 3),
		SettleRetryDelay:     getDurationOrDefault("SETTLE_RETRY_DELAY", 10*time.Second),
		SettleConfirmTimeout: getDurationOrDefault("SETTLE_CONFIRM_TIMEOUT", 180*time.Second),
		SettleLockTimeout:    getDurationOrDefault("SETTLE_LOCK_TIMEOUT", 120*time.Second),
		SettleLockPath:       getEnvOrDefault("SETTLE_LOCK_PATH", "/tmp/redeem.lock"),
		SettleAutoRedeem:     getBoolOrDefault("SETTLE_AUTO_REDEEM", true),

		// Balance circuit breaker defaults
		MinBalanceUSD:          getFloat64OrDefault("MIN_BALANCE_USD", 5.0),
		BalanceCheckInterval:   getDurationOrDefault("BALANCE_CHECK_INTERVAL", 30*time.Second),
		BalanceHysteresisRatio: getFloat64OrDefault("BALANCE_HYSTERESIS_RATIO", 1.5),

		// Notification defaults
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   int64(getIntOrDefault("TELEGRAM_CHAT_ID", 0)),
		NotifyRateLimit:  getFloat64OrDefault("NOTIFY_RATE_LIMIT", 5.0),

		// Storage defaults
		StorageMode:  getEnvOrDefault("STORAGE_MODE", "console"),
		PostgresHost: getEnvOrDefault("POSTGRES_HOST", "localhost"),
		PostgresPort: getEnvOrDefault("POSTGRES_PORT", "5432"),
		PostgresUser: getEnvOrDefault("POSTGRES_USER", "polymarket"),
		PostgresPass: getEnvOrDefault("POSTGRES_PASSWORD", "polymarket123"),
		PostgresDB:   getEnvOrDefault("POSTGRES_DB", "polyterm"),
		PostgresSSL:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are valid.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}

	if c.MarketSymbol == "" {
		return fmt.Errorf("MARKET_SYMBOL cannot be empty")
	}

	if c.MarketSlotDuration < time.Minute {
		return fmt.Errorf("MARKET_SLOT_DURATION must be at least 1m, got %v", c.MarketSlotDuration)
	}

	if c.FeedIndexWSURL == "" || c.FeedBookWSURL == "" {
		return fmt.Errorf("FEED_INDEX_WS_URL and FEED_BOOK_WS_URL cannot be empty")
	}

	if c.FeedMaxStaleness <= 0 {
		return fmt.Errorf("FEED_MAX_STALENESS must be positive, got %v", c.FeedMaxStaleness)
	}

	if c.PolymarketGammaURL == "" {
		return fmt.Errorf("POLYMARKET_GAMMA_URL cannot be empty")
	}

	if c.TradingPolicy != PolicyManual && c.TradingPolicy != PolicyHedged {
		return fmt.Errorf("TRADING_POLICY must be %q or %q, got %q", PolicyManual, PolicyHedged, c.TradingPolicy)
	}

	if c.HedgeTargetCombined <= 0 || c.HedgeTargetCombined > 1.0 {
		return fmt.Errorf("HEDGE_TARGET_COMBINED must be in (0, 1.0], got %f", c.HedgeTargetCombined)
	}

	if c.SettleMaxAttempts < 1 {
		return fmt.Errorf("SETTLE_MAX_ATTEMPTS must be at least 1, got %d", c.SettleMaxAttempts)
	}

	if c.SettleLockTimeout <= 0 {
		return fmt.Errorf("SETTLE_LOCK_TIMEOUT must be positive, got %v", c.SettleLockTimeout)
	}

	if c.SettleLockPath == "" {
		return fmt.Errorf("SETTLE_LOCK_PATH cannot be empty")
	}

	if c.ChainGasPriceMultiplier < 1.0 {
		return fmt.Errorf("CHAIN_GAS_PRICE_MULTIPLIER must be >= 1.0, got %f", c.ChainGasPriceMultiplier)
	}

	if c.BalanceHysteresisRatio < 1.0 {
		return fmt.Errorf("BALANCE_HYSTERESIS_RATIO must be >= 1.0, got %f", c.BalanceHysteresisRatio)
	}

	if c.StorageMode != "console" && c.StorageMode != "postgres" {
		return fmt.Errorf("STORAGE_MODE must be 'console' or 'postgres', got %q", c.StorageMode)
	}

	return nil
}

// PostgresDSN returns the lib/pq connection string for the configured database.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPass, c.PostgresDB, c.PostgresSSL,
	)
}

// TelegramEnabled reports whether both Telegram credentials are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

func getEnvOrDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatVal
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return boolVal
}
