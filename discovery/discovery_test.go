package discovery

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrunner/strategybot/types"
)

func samplePair(chain, addr, symbol string, priceUSD, vol, liq, mcap, chg float64) map[string]any {
	return map[string]any{
		"chainId":       chain,
		"baseToken":     map[string]any{"address": addr, "symbol": symbol},
		"priceUsd":      priceUSD,
		"volume":        map[string]any{"h24": vol},
		"liquidity":     map[string]any{"usd": liq},
		"marketCap":     mcap,
		"priceChange":   map[string]any{"h24": chg},
		"pairCreatedAt": 0.0,
	}
}

func TestApplyFilters_RejectsBelowThresholds(t *testing.T) {
	p := &Pipeline{}
	pairs := []map[string]any{
		samplePair("solana", "addr1", "GOOD", 1.0, 100000, 50000, 500000, 5),
		samplePair("solana", "addr2", "LOWVOL", 1.0, 100, 50000, 500000, 5),
		samplePair("ethereum", "addr3", "WRONGCHAIN", 1.0, 100000, 50000, 500000, 5),
	}
	cfg := Config{
		Chain:           "solana",
		MinVolumeUSD:    decimal.NewFromInt(50000),
		MinLiquidityUSD: decimal.NewFromInt(25000),
		MinMarketCapUSD: decimal.NewFromInt(250000),
	}
	out := p.applyFilters(pairs, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, "GOOD", out[0].Symbol)
}

func TestApplyFilters_DedupesByAddress(t *testing.T) {
	p := &Pipeline{}
	pairs := []map[string]any{
		samplePair("solana", "ADDR1", "DUPE", 1.0, 100000, 50000, 500000, 5),
		samplePair("solana", "addr1", "DUPE", 1.0, 100000, 50000, 500000, 5),
	}
	cfg := Config{
		Chain:           "solana",
		MinVolumeUSD:    decimal.NewFromInt(1),
		MinLiquidityUSD: decimal.NewFromInt(1),
		MinMarketCapUSD: decimal.NewFromInt(1),
	}
	out := p.applyFilters(pairs, cfg)
	assert.Len(t, out, 1)
}

func TestApplyFilters_RejectsTooYoungPairs(t *testing.T) {
	p := &Pipeline{}
	pair := samplePair("solana", "addr1", "NEWTOKEN", 1.0, 100000, 50000, 500000, 5)
	pair["pairCreatedAt"] = float64(time.Now().UnixMilli())
	cfg := Config{
		Chain:            "solana",
		MinVolumeUSD:     decimal.NewFromInt(1),
		MinLiquidityUSD:  decimal.NewFromInt(1),
		MinMarketCapUSD:  decimal.NewFromInt(1),
		MinTokenAgeHours: 4,
	}
	out := p.applyFilters([]map[string]any{pair}, cfg)
	assert.Empty(t, out)
}

type fakeOpenPositionChecker struct {
	held map[string]bool
}

func (f *fakeOpenPositionChecker) GetOpenPosition(token, chain string) (*types.Position, error) {
	if f.held[token] {
		return &types.Position{TokenAddr: token, Chain: chain}, nil
	}
	return nil, nil
}

func TestExcludeHeld_DropsAlreadyOpenPositions(t *testing.T) {
	p := &Pipeline{store: &fakeOpenPositionChecker{held: map[string]bool{"addr1": true}}}
	candidates := []types.DiscoveryCandidate{
		{TokenAddr: "addr1", Symbol: "HELD"},
		{TokenAddr: "addr2", Symbol: "FREE"},
	}
	out := p.excludeHeld(candidates)
	require.Len(t, out, 1)
	assert.Equal(t, "FREE", out[0].Symbol)
}

func TestParseSafety_ThresholdsMatchSafeRiskyDangerous(t *testing.T) {
	status, _ := parseSafety(map[string]any{"score": 100.0, "risks": []any{}})
	assert.Equal(t, types.SafetySafe, status)

	status, _ = parseSafety(map[string]any{"score": 1000.0, "risks": []any{}})
	assert.Equal(t, types.SafetyRisky, status)

	status, _ = parseSafety(map[string]any{"score": 600.0, "risks": []any{"one", "two"}})
	assert.Equal(t, types.SafetyRisky, status)

	status, _ = parseSafety(map[string]any{"score": 5000.0, "risks": []any{"one", "two", "three"}})
	assert.Equal(t, types.SafetyDangerous, status)
}

func TestExtractPairs_HandlesPairsAndResultsWrappers(t *testing.T) {
	pairsWrapped := map[string]any{"pairs": []any{map[string]any{"a": 1}}}
	out := extractPairs(pairsWrapped)
	require.Len(t, out, 1)

	resultsWrapped := map[string]any{"results": []any{map[string]any{"b": 2}}}
	out = extractPairs(resultsWrapped)
	require.Len(t, out, 1)

	empty := map[string]any{}
	assert.Nil(t, extractPairs(empty))
}

func TestExtractBoostedTokens_HandlesAllWrapperKeys(t *testing.T) {
	for _, key := range []string{"tokens", "data", "results"} {
		wrapped := map[string]any{key: []any{map[string]any{"tokenAddress": "x"}}}
		out := extractBoostedTokens(wrapped)
		require.Len(t, out, 1, "key %q should be recognized", key)
	}
}

func TestDeepestLiquidityPair_PicksHighestLiquidity(t *testing.T) {
	pairs := []map[string]any{
		{"liquidity": map[string]any{"usd": 1000.0}},
		{"liquidity": map[string]any{"usd": 9000.0}},
		{"liquidity": map[string]any{"usd": 500.0}},
	}
	best := deepestLiquidityPair(pairs)
	assert.Equal(t, 9000.0, liquidityUSD(best))
}
