package strategyengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrunner/strategybot/quote"
	"github.com/dexrunner/strategybot/store"
	"github.com/dexrunner/strategybot/toolprovider"
	"github.com/dexrunner/strategybot/trader"
	"github.com/dexrunner/strategybot/types"
)

// fakeMarketProvider serves get_token_pools for whichever token address is
// currently configured, so tests can move the "current price" around.
type fakeMarketProvider struct {
	priceByAddr map[string]string
	liqUSD      string
}

func (f *fakeMarketProvider) Tools() []toolprovider.ToolSpec { return nil }

func (f *fakeMarketProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	addr, _ := args["tokenAddress"].(string)
	price, ok := f.priceByAddr[addr]
	if !ok {
		price = "1"
	}
	return map[string]any{
		"pairs": []any{
			map[string]any{
				"priceUsd":  price,
				"liquidity": map[string]any{"usd": f.liqUSD},
			},
		},
	}, nil
}

// fakeTraderProvider is a trivial get_quote/execute_trade implementation
// that always succeeds at the configured price and returns a tx hash.
type fakeTraderProvider struct {
	price string
}

func (f *fakeTraderProvider) Tools() []toolprovider.ToolSpec {
	return []toolprovider.ToolSpec{
		{Name: "get_quote"},
		{Name: "execute_trade", Properties: map[string]any{"tokenAddress": nil}, Required: []string{"tokenAddress"}},
	}
}

func (f *fakeTraderProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"priceUsd": f.price,
		"success":  true,
		"txHash":   "sig_abc123",
	}, nil
}

func newTestEngine(t *testing.T, marketProvider *fakeMarketProvider, cfg Config) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	refPrices := quote.NewSource(marketProvider)
	execSvc := trader.NewService(&fakeTraderProvider{price: "1"}, nil, cfg.Chain, cfg.MaxSlippageBps, "get_quote", "execute_trade", "")

	engine := New(st, nil, execSvc, refPrices, func() Config { return cfg }, nil)
	return engine, st
}

// failingSellTraderProvider always reports an unsuccessful execute_trade,
// used to exercise the consecutive-sell-failure escalation.
type failingSellTraderProvider struct{ price string }

func (f *failingSellTraderProvider) Tools() []toolprovider.ToolSpec {
	return []toolprovider.ToolSpec{
		{Name: "get_quote"},
		{Name: "execute_trade", Properties: map[string]any{"tokenAddress": nil}, Required: []string{"tokenAddress"}},
	}
}

func (f *failingSellTraderProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{
		"priceUsd": f.price,
		"success":  false,
		"error":    "simulated broker rejection",
	}, nil
}

func newTestEngineWithTrader(t *testing.T, marketProvider *fakeMarketProvider, traderProvider toolprovider.Provider, cfg Config, alert AlertFunc) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	refPrices := quote.NewSource(marketProvider)
	execSvc := trader.NewService(traderProvider, nil, cfg.Chain, cfg.MaxSlippageBps, "get_quote", "execute_trade", "")

	engine := New(st, nil, execSvc, refPrices, func() Config { return cfg }, alert)
	return engine, st
}

func baseConfig() Config {
	return Config{
		Enabled:           true,
		DryRun:            true,
		Chain:             "solana",
		MaxPositions:      5,
		PositionSizeUSD:   decimal.NewFromInt(100),
		TakeProfitPct:     decimal.NewFromInt(20),
		StopLossPct:       decimal.NewFromInt(10),
		TrailingStopPct:   decimal.NewFromInt(5),
		MaxHoldHours:      24,
		DailyLossLimitUSD: decimal.NewFromInt(50),
		MinVolumeUSD:      decimal.NewFromInt(1),
		MinLiquidityUSD:   decimal.NewFromInt(1),
		MinMarketCapUSD:   decimal.NewFromInt(1),
		CooldownSeconds:   0,
		MinMomentumScore:  1,
		MaxSlippageBps:    100,
	}
}

// S1: price rises to the take-profit level and the position is closed with
// a positive PnL.
func TestRunExitChecks_ClosesOnTakeProfit(t *testing.T) {
	market := &fakeMarketProvider{priceByAddr: map[string]string{"tok1": "1.20"}, liqUSD: "100000"}
	cfg := baseConfig()
	engine, st := newTestEngine(t, market, cfg)

	pos, err := st.AddPosition(store.AddPositionParams{
		TokenAddr:   "tok1",
		Symbol:      "FOO",
		Chain:       "solana",
		EntryPrice:  decimal.NewFromInt(1),
		Quantity:    decimal.NewFromInt(100),
		NotionalUSD: decimal.NewFromInt(100),
		StopPrice:   decimal.NewFromFloat(0.9),
		TakePrice:   decimal.NewFromFloat(1.2),
		DryRun:      true,
	})
	require.NoError(t, err)

	result := engine.RunExitChecks(context.Background())
	require.Len(t, result.PositionsClosed, 1)
	assert.Equal(t, types.ReasonTakeProfit, *result.PositionsClosed[0].CloseReason)
	assert.True(t, result.PositionsClosed[0].RealizedPnLUSD.IsPositive())

	remaining, err := st.ListOpenPositions("solana")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	_ = pos
}

// S2: price rallies (ratcheting the trailing stop up), then falls back
// through the new stop level — the position closes on stop_loss even
// though the price never touched the original stop.
func TestRunExitChecks_TrailingStopRatchetsThenStopsOut(t *testing.T) {
	market := &fakeMarketProvider{priceByAddr: map[string]string{"tok1": "1.50"}, liqUSD: "100000"}
	cfg := baseConfig()
	engine, st := newTestEngine(t, market, cfg)

	_, err := st.AddPosition(store.AddPositionParams{
		TokenAddr:   "tok1",
		Symbol:      "FOO",
		Chain:       "solana",
		EntryPrice:  decimal.NewFromInt(1),
		Quantity:    decimal.NewFromInt(100),
		NotionalUSD: decimal.NewFromInt(100),
		StopPrice:   decimal.NewFromFloat(0.9),
		TakePrice:   decimal.NewFromFloat(5), // high enough that rally doesn't trigger take-profit
		DryRun:      true,
	})
	require.NoError(t, err)

	// Round 1: price rallies to 1.50, ratcheting stop up to 1.50*0.95=1.425.
	result := engine.RunExitChecks(context.Background())
	assert.Empty(t, result.PositionsClosed)

	open, err := st.ListOpenPositions("solana")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].StopPrice.Equal(decimal.NewFromFloat(1.425)), "expected ratcheted stop 1.425, got %s", open[0].StopPrice)

	// Round 2: price falls to 1.40, below the ratcheted stop but well above
	// the original 0.9 stop — only the ratchet should be able to trigger this.
	market.priceByAddr["tok1"] = "1.40"
	engine.priceCache.Clear()
	result = engine.RunExitChecks(context.Background())
	require.Len(t, result.PositionsClosed, 1)
	assert.Equal(t, types.ReasonStopLoss, *result.PositionsClosed[0].CloseReason)
}

// S3: two stop-loss exits with negative PnL trip the skip-phase counter.
func TestRunExitChecks_TwoNegativeStopLossesSetSkipPhase(t *testing.T) {
	market := &fakeMarketProvider{priceByAddr: map[string]string{"tok1": "0.80"}, liqUSD: "100000"}
	cfg := baseConfig()
	engine, st := newTestEngine(t, market, cfg)

	openLosingPosition := func() {
		_, err := st.AddPosition(store.AddPositionParams{
			TokenAddr:   "tok1",
			Symbol:      "FOO",
			Chain:       "solana",
			EntryPrice:  decimal.NewFromInt(1),
			Quantity:    decimal.NewFromInt(100),
			NotionalUSD: decimal.NewFromInt(100),
			StopPrice:   decimal.NewFromFloat(0.9),
			TakePrice:   decimal.NewFromFloat(5),
			DryRun:      true,
		})
		require.NoError(t, err)
	}

	openLosingPosition()
	result := engine.RunExitChecks(context.Background())
	require.Len(t, result.PositionsClosed, 1)
	phases, err := st.GetSkipPhases("tok1", "solana")
	require.NoError(t, err)
	assert.Equal(t, 0, phases, "one negative stop loss should not yet trip skip phases")

	openLosingPosition()
	result = engine.RunExitChecks(context.Background())
	require.Len(t, result.PositionsClosed, 1)
	phases, err = st.GetSkipPhases("tok1", "solana")
	require.NoError(t, err)
	assert.Equal(t, 1, phases, "two negative stop losses should trip one skip phase")
}

// S4: a position whose sell keeps failing escalates to a distinct alert
// after three consecutive failed attempts, without ever closing.
func TestRunExitChecks_EscalatesAfterThreeConsecutiveSellFailures(t *testing.T) {
	market := &fakeMarketProvider{priceByAddr: map[string]string{"tok1": "1.20"}, liqUSD: "100000"}
	cfg := baseConfig()
	cfg.DryRun = false

	var alerts []string
	alert := func(msg string) { alerts = append(alerts, msg) }

	engine, st := newTestEngineWithTrader(t, market, &failingSellTraderProvider{price: "1.20"}, cfg, alert)

	_, err := st.AddPosition(store.AddPositionParams{
		TokenAddr:   "tok1",
		Symbol:      "FOO",
		Chain:       "solana",
		EntryPrice:  decimal.NewFromInt(1),
		Quantity:    decimal.NewFromInt(100),
		NotionalUSD: decimal.NewFromInt(100),
		StopPrice:   decimal.NewFromFloat(0.9),
		TakePrice:   decimal.NewFromFloat(1.2),
		DryRun:      false,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result := engine.RunExitChecks(context.Background())
		assert.Empty(t, result.PositionsClosed)
		assert.Empty(t, alerts, "should not alert before the third consecutive failure")
	}

	result := engine.RunExitChecks(context.Background())
	assert.Empty(t, result.PositionsClosed)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "FOO")
	assert.Contains(t, alerts[0], "3")

	remaining, err := st.ListOpenPositions("solana")
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "repeated sell failures must never close the position")
}

// S5: discovery is skipped outright when the native token price cannot be
// resolved, and no candidates are ever fetched.
func TestRunDiscoveryCycle_SkipsWhenNativePriceUnavailable(t *testing.T) {
	failingMarket := &failingProvider{}
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	refPrices := quote.NewSource(failingMarket)
	execSvc := trader.NewService(&fakeTraderProvider{price: "1"}, nil, "solana", 100, "get_quote", "execute_trade", "")
	cfg := baseConfig()
	engine := New(st, nil, execSvc, refPrices, func() Config { return cfg }, nil)

	result := engine.RunDiscoveryCycle(context.Background())
	assert.Equal(t, "Skipped: native token price unavailable", result.Summary)
	assert.Equal(t, 0, result.CandidatesFound)
}

type failingProvider struct{}

func (f *failingProvider) Tools() []toolprovider.ToolSpec { return nil }
func (f *failingProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return nil, errMarketDataUnavailable
}

var errMarketDataUnavailable = errors.New("market data unavailable")

func TestExitReason_FirstMatchWinsOrder(t *testing.T) {
	now := time.Now()
	pos := &types.Position{
		StopPrice: decimal.NewFromFloat(0.9),
		TakePrice: decimal.NewFromFloat(1.2),
		OpenedAt:  now,
	}
	assert.Equal(t, types.ReasonStopLoss, exitReason(pos, decimal.NewFromFloat(0.9), now, 24))
	assert.Equal(t, types.ReasonTakeProfit, exitReason(pos, decimal.NewFromFloat(1.2), now, 24))
	assert.Equal(t, types.CloseReason(""), exitReason(pos, decimal.NewFromFloat(1.0), now, 24))
}
