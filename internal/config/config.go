// Package config loads the engine's typed configuration from environment
// variables (optionally via a .env file), following the schema in spec.md
// §6: master switches, execution mode, trading pairs, risk profile and
// per-exchange connection settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/types"
)

// ExchangeConfig is one entry of the `exchanges[*]` configuration key.
type ExchangeConfig struct {
	ExchangeID           types.ExchangeID
	IsEnabled            bool
	APIKey               string
	APISecret            string
	AdditionalAuthParams map[string]string // e.g. "passphrase" for Coinbase
	APIURL               string
	WSURL                string
	MaxRequestsPerSecond int
	APITimeoutMs         int
	WSReconnectMs        int
	SupportedPairs       []types.TradingPair
}

// PairConfig is one entry of the `trading_pairs` configuration key.
type PairConfig struct {
	Base  types.Currency
	Quote types.Currency
}

// Config is the immutable-after-load, atomically-replaceable configuration
// carrier for the pipeline.
type Config struct {
	Debug bool

	// Master switches (spec.md §6).
	IsEnabled         bool
	AutoExecuteTrades bool
	PaperTradingEnabled bool

	MinimumProfitPercentage decimal.Decimal
	MaxConcurrentOps        int
	MaxExecutionTimeMs      int
	PollingIntervalMs       int

	TradingPairs []PairConfig
	RiskProfile  types.RiskProfile
	Exchanges    []ExchangeConfig

	DatabasePath string

	HeartbeatIntervalSec int
	IdleTimeoutSec       int
	ReconnectMaxAttempts int
	ReconnectBackoffCapSec int
	CircuitBreakerCooldownSec int
}

// Load builds a Config from environment variables, applying the defaults
// documented alongside each getEnv* call. It does not re-implement a
// config-management service — just enough typed loading to construct and
// run the pipeline, matching the teacher's own startup convention.
func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		IsEnabled:           getEnvBool("ARB_ENABLED", true),
		AutoExecuteTrades:   getEnvBool("AUTO_EXECUTE_TRADES", false),
		PaperTradingEnabled: getEnvBool("PAPER_TRADING_ENABLED", true),

		MinimumProfitPercentage: getEnvDecimal("MINIMUM_PROFIT_PERCENTAGE", decimal.NewFromFloat(0.1)),
		MaxConcurrentOps:        getEnvInt("MAX_CONCURRENT_ARBITRAGE_OPERATIONS", 3),
		MaxExecutionTimeMs:      getEnvInt("MAX_EXECUTION_TIME_MS", 3000),
		PollingIntervalMs:       getEnvInt("POLLING_INTERVAL_MS", 1000),

		DatabasePath: getEnv("DATABASE_PATH", "data/arbengine.db"),

		HeartbeatIntervalSec:      getEnvInt("HEARTBEAT_INTERVAL_SEC", 30),
		IdleTimeoutSec:            getEnvInt("IDLE_TIMEOUT_SEC", 120),
		ReconnectMaxAttempts:      getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectBackoffCapSec:    getEnvInt("RECONNECT_BACKOFF_CAP_SEC", 30),
		CircuitBreakerCooldownSec: getEnvInt("CIRCUIT_BREAKER_COOLDOWN_SEC", 300),
	}

	switch strings.ToLower(getEnv("RISK_PROFILE", "balanced")) {
	case "conservative":
		cfg.RiskProfile = types.ConservativeProfile()
	case "aggressive":
		cfg.RiskProfile = types.AggressiveProfile()
	default:
		cfg.RiskProfile = types.BalancedProfile()
	}

	rawPairs, ok := os.LookupEnv("TRADING_PAIRS")
	if !ok {
		rawPairs = "BTC/USDT,ETH/USDT"
	}
	cfg.TradingPairs = parsePairs(rawPairs)
	if len(cfg.TradingPairs) == 0 {
		return nil, &errs.ConfigError{Field: "TRADING_PAIRS", Reason: "at least one trading pair is required"}
	}

	cfg.Exchanges = []ExchangeConfig{
		{
			ExchangeID:           "coinbase",
			IsEnabled:            getEnvBool("COINBASE_ENABLED", true),
			APIKey:               os.Getenv("COINBASE_API_KEY"),
			APISecret:            os.Getenv("COINBASE_API_SECRET"),
			AdditionalAuthParams: map[string]string{"passphrase": os.Getenv("COINBASE_API_PASSPHRASE")},
			APIURL:               getEnv("COINBASE_API_URL", "https://api.exchange.coinbase.com"),
			WSURL:                getEnv("COINBASE_WS_URL", "wss://ws-feed.exchange.coinbase.com"),
			MaxRequestsPerSecond: getEnvInt("COINBASE_MAX_RPS", 10),
			APITimeoutMs:         getEnvInt("COINBASE_API_TIMEOUT_MS", 5000),
			WSReconnectMs:        getEnvInt("COINBASE_WS_RECONNECT_MS", 1000),
			SupportedPairs:       toTypesPairs(cfg.TradingPairs),
		},
		{
			ExchangeID:           "kraken",
			IsEnabled:            getEnvBool("KRAKEN_ENABLED", true),
			APIKey:               os.Getenv("KRAKEN_API_KEY"),
			APISecret:            os.Getenv("KRAKEN_API_SECRET"),
			AdditionalAuthParams: map[string]string{},
			APIURL:               getEnv("KRAKEN_API_URL", "https://api.kraken.com"),
			WSURL:                getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com"),
			MaxRequestsPerSecond: getEnvInt("KRAKEN_MAX_RPS", 1),
			APITimeoutMs:         getEnvInt("KRAKEN_API_TIMEOUT_MS", 5000),
			WSReconnectMs:        getEnvInt("KRAKEN_WS_RECONNECT_MS", 1000),
			SupportedPairs:       toTypesPairs(cfg.TradingPairs),
		},
	}

	if getEnvBool("COINBASE_ENABLED", true) {
		ex := &cfg.Exchanges[0]
		if ex.APIKey != "" && ex.AdditionalAuthParams["passphrase"] == "" {
			return nil, &errs.ConfigError{Field: "COINBASE_API_PASSPHRASE", Reason: "required when COINBASE_API_KEY is set"}
		}
	}

	return cfg, nil
}

func toTypesPairs(pairs []PairConfig) []types.TradingPair {
	out := make([]types.TradingPair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, types.TradingPair{Base: p.Base, Quote: p.Quote})
	}
	return out
}

func parsePairs(raw string) []PairConfig {
	var out []PairConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, PairConfig{
			Base:  types.Currency(strings.ToUpper(strings.TrimSpace(parts[0]))),
			Quote: types.Currency(strings.ToUpper(strings.TrimSpace(parts[1]))),
		})
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
