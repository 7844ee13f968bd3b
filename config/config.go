// Package config loads strategy engine settings from environment
// variables, with typed defaults matching the reference configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexrunner/strategybot/chainrpc"
)

// Config holds every tunable the discovery pipeline, trader, and strategy
// engine read. All fields are reloadable via Reload; the scheduler reads
// PriceCheckSeconds live on every exit-check loop iteration.
type Config struct {
	Enabled bool
	DryRun  bool
	Chain   string

	MaxPositions    int
	PositionSizeUSD decimal.Decimal

	TakeProfitPct   decimal.Decimal
	StopLossPct     decimal.Decimal
	TrailingStopPct decimal.Decimal
	MaxHoldHours    float64

	DiscoveryInterval time.Duration
	PriceCheckSeconds time.Duration

	DailyLossLimitUSD decimal.Decimal

	MinVolumeUSD     decimal.Decimal
	MinLiquidityUSD  decimal.Decimal
	MinMarketCapUSD  decimal.Decimal
	MinTokenAgeHours float64

	CooldownSeconds  int
	MinMomentumScore float64
	MaxSlippageBps   int

	QuoteMint string
	RPCURL    string

	QuoteMethod   string
	ExecuteMethod string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database
	DatabasePath string

	Debug bool
}

// Load reads Config from the process environment, applying the same
// defaults a fresh deployment ships with.
func Load() (*Config, error) {
	cfg := &Config{
		Enabled: getEnvBool("STRATEGY_ENABLED", true),
		DryRun:  getEnvBool("DRY_RUN", true),
		Chain:   strings.ToLower(getEnv("CHAIN", "solana")),

		MaxPositions:    getEnvInt("MAX_POSITIONS", 5),
		PositionSizeUSD: getEnvDecimal("POSITION_SIZE_USD", decimal.NewFromInt(50)),

		TakeProfitPct:   getEnvDecimal("TAKE_PROFIT_PCT", decimal.NewFromInt(30)),
		StopLossPct:     getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromInt(15)),
		TrailingStopPct: getEnvDecimal("TRAILING_STOP_PCT", decimal.NewFromInt(10)),
		MaxHoldHours:    getEnvFloat("MAX_HOLD_HOURS", 24),

		DiscoveryInterval: getEnvDuration("DISCOVERY_INTERVAL_MINS", 5*time.Minute, time.Minute),
		PriceCheckSeconds: getEnvDuration("PRICE_CHECK_SECONDS", 30*time.Second, time.Second),

		DailyLossLimitUSD: getEnvDecimal("DAILY_LOSS_LIMIT_USD", decimal.NewFromInt(100)),

		MinVolumeUSD:     getEnvDecimal("MIN_VOLUME_USD", decimal.NewFromInt(10000)),
		MinLiquidityUSD:  getEnvDecimal("MIN_LIQUIDITY_USD", decimal.NewFromInt(5000)),
		MinMarketCapUSD:  getEnvDecimal("MIN_MARKET_CAP_USD", decimal.NewFromInt(50000)),
		MinTokenAgeHours: getEnvFloat("MIN_TOKEN_AGE_HOURS", 1),

		CooldownSeconds:  getEnvInt("COOLDOWN_SECONDS", 3600),
		MinMomentumScore: getEnvFloat("MIN_MOMENTUM_SCORE", 0.5),
		MaxSlippageBps:   getEnvInt("MAX_SLIPPAGE_BPS", 150),

		QuoteMint: getEnv("QUOTE_MINT", chainrpc.USDCMint),
		RPCURL:    os.Getenv("RPC_URL"),

		QuoteMethod:   os.Getenv("QUOTE_METHOD"),
		ExecuteMethod: os.Getenv("EXECUTE_METHOD"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/strategybot.db"),
		Debug:        getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("MAX_POSITIONS must be positive")
	}
	if cfg.PositionSizeUSD.IsNegative() || cfg.PositionSizeUSD.IsZero() {
		return nil, fmt.Errorf("POSITION_SIZE_USD must be positive")
	}

	return cfg, nil
}

// Reload re-reads the environment into a fresh Config, letting a running
// process pick up new values without a restart. Callers typically store
// the result behind a mutex and swap it atomically.
func Reload() (*Config, error) {
	return Load()
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvDuration reads an integer count of unit from key (matching the
// reference config's _MINS / _SECONDS naming), falling back to
// time.ParseDuration for values like "5m" before giving up.
func getEnvDuration(key string, defaultValue time.Duration, unit time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
