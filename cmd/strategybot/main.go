// Strategybot discovers, buys, monitors, and exits crypto positions on one
// chain, following a deterministic filter pipeline and an optional
// agentic decision loop, with a Telegram front end for status and alerts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dexrunner/strategybot/chainrpc"
	"github.com/dexrunner/strategybot/config"
	"github.com/dexrunner/strategybot/discovery"
	"github.com/dexrunner/strategybot/notify"
	"github.com/dexrunner/strategybot/quote"
	"github.com/dexrunner/strategybot/scheduler"
	"github.com/dexrunner/strategybot/store"
	"github.com/dexrunner/strategybot/strategyengine"
	"github.com/dexrunner/strategybot/toolprovider"
	"github.com/dexrunner/strategybot/trader"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Str("chain", cfg.Chain).Bool("dry_run", cfg.DryRun).Msg("🚀 strategy bot starting")

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	marketData := toolprovider.NewHTTPProvider(
		mustEnv("MARKET_DATA_URL"),
		[]toolprovider.ToolSpec{
			{Name: "search_pairs", Required: []string{"query"}},
			{Name: "get_token_pools", Required: []string{"chainId", "tokenAddress"}},
			{Name: "get_top_boosted_tokens"},
			{Name: "get_latest_boosted_tokens"},
		},
		10*time.Second,
	)
	safetyProvider := toolprovider.NewHTTPProvider(
		mustEnv("SAFETY_URL"),
		[]toolprovider.ToolSpec{{Name: "get_token_summary", Required: []string{"token_address"}}},
		10*time.Second,
	)
	traderProvider := toolprovider.NewHTTPProvider(mustEnv("TRADER_URL"), traderToolSpecs(), 30*time.Second)

	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = "https://api.mainnet-beta.solana.com"
	}
	decimalsClient := chainrpc.New(rpcURL)

	execSvc := trader.NewService(traderProvider, decimalsClient, cfg.Chain, cfg.MaxSlippageBps, cfg.QuoteMethod, cfg.ExecuteMethod, cfg.QuoteMint)
	refPrices := quote.NewSource(marketData)

	// No concrete LLM vendor is wired by default: the decision loop falls
	// back to its deterministic heuristic score, which is the expected
	// mode of operation for this deployment.
	pipeline := discovery.NewPipeline(marketData, safetyProvider, st, nil, nil)

	notifier, err := notify.NewTelegramNotifier(cfg.Chain, st)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable; continuing without notifications")
	}

	currentConfig := cfg
	configFn := func() strategyengine.Config {
		return strategyengine.Config{
			Enabled:           currentConfig.Enabled,
			DryRun:            currentConfig.DryRun,
			Chain:             currentConfig.Chain,
			MaxPositions:      currentConfig.MaxPositions,
			PositionSizeUSD:   currentConfig.PositionSizeUSD,
			TakeProfitPct:     currentConfig.TakeProfitPct,
			StopLossPct:       currentConfig.StopLossPct,
			TrailingStopPct:   currentConfig.TrailingStopPct,
			MaxHoldHours:      currentConfig.MaxHoldHours,
			DailyLossLimitUSD: currentConfig.DailyLossLimitUSD,
			MinVolumeUSD:      currentConfig.MinVolumeUSD,
			MinLiquidityUSD:   currentConfig.MinLiquidityUSD,
			MinMarketCapUSD:   currentConfig.MinMarketCapUSD,
			MinTokenAgeHours:  currentConfig.MinTokenAgeHours,
			CooldownSeconds:   currentConfig.CooldownSeconds,
			MinMomentumScore:  currentConfig.MinMomentumScore,
			MaxSlippageBps:    currentConfig.MaxSlippageBps,
		}
	}

	var alert strategyengine.AlertFunc
	var schedNotifier scheduler.Notifier
	if notifier != nil {
		alert = notifier.NotifyStuckPosition
		schedNotifier = notifier
	}
	engine := strategyengine.New(st, pipeline, execSvc, refPrices, configFn, alert)

	sched := scheduler.New(engine, schedNotifier, cfg.DiscoveryInterval, func() time.Duration { return cfg.PriceCheckSeconds })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if notifier != nil {
		notifier.Start()
		notifier.NotifyStartup(cfg.Chain, cfg.DryRun)
	}
	sched.Start(ctx)

	log.Info().Msg("✅ strategy bot running")

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	log.Info().Msg("🛑 shutting down")
	sched.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	log.Info().Msg("👋 goodbye")
}

// traderToolSpecs describes the trader's three well-known operations so
// trader.Service.resolveMethods has a real tool set to match against.
// ResolveByName still does the name matching, so QUOTE_METHOD/EXECUTE_METHOD
// overrides or a differently-named backend both keep working; this only
// rules out the empty-tools dead path where resolveMethods fails before any
// override is even consulted.
func traderToolSpecs() []toolprovider.ToolSpec {
	return []toolprovider.ToolSpec{
		{
			Name:       "get_quote",
			Properties: map[string]any{"chain": nil, "tokenAddress": nil, "side": nil, "notionalUsd": nil, "slippageBps": nil},
			Required:   []string{"tokenAddress", "side"},
		},
		{
			Name:       "execute_trade",
			Properties: map[string]any{"chain": nil, "tokenAddress": nil, "side": nil, "notionalUsd": nil, "slippageBps": nil, "quote": nil},
			Required:   []string{"tokenAddress", "side"},
		},
		{
			Name:       "get_balance",
			Properties: map[string]any{"tokenAddress": nil},
			Required:   []string{"tokenAddress"},
		},
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatal().Str("env", key).Msg("required environment variable is not set")
	}
	return v
}
