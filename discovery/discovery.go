// Package discovery implements the scan → deterministic filter →
// exclude-held → safety-check → per-candidate decision pipeline that
// produces approved buy candidates for one strategy cycle.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dexrunner/strategybot/decision"
	"github.com/dexrunner/strategybot/toolprovider"
	"github.com/dexrunner/strategybot/types"
)

// Config carries the tunables propagated from engine config at the start
// of each cycle, matching spec §4.7.1 step 5's live-reread behavior.
type Config struct {
	Chain            string
	MinVolumeUSD     decimal.Decimal
	MinLiquidityUSD  decimal.Decimal
	MinMarketCapUSD  decimal.Decimal
	MinTokenAgeHours float64
	MinMomentumScore float64
}

// OpenPositionChecker reports whether a position is already open, so
// discovery can exclude already-held tokens.
type OpenPositionChecker interface {
	GetOpenPosition(token, chain string) (*types.Position, error)
}

// Pipeline wires the market-data and safety tool providers, the decision
// loop, and a held-position check into one discovery run.
type Pipeline struct {
	marketData toolprovider.Provider
	safety     toolprovider.Provider
	store      OpenPositionChecker

	newDecisionSession func() (decision.ChatSession, error)
	invokeTool         decision.ToolInvoker
}

// NewPipeline builds a Pipeline. newDecisionSession/invokeTool may be nil,
// in which case every candidate falls through to the heuristic score.
func NewPipeline(marketData, safety toolprovider.Provider, store OpenPositionChecker, newDecisionSession func() (decision.ChatSession, error), invokeTool decision.ToolInvoker) *Pipeline {
	if newDecisionSession == nil {
		newDecisionSession = func() (decision.ChatSession, error) {
			return nil, fmt.Errorf("no decision session configured")
		}
	}
	return &Pipeline{
		marketData:         marketData,
		safety:             safety,
		store:              store,
		newDecisionSession: newDecisionSession,
		invokeTool:         invokeTool,
	}
}

// Discover runs the full pipeline and returns up to maxCandidates approved
// candidates.
func (p *Pipeline) Discover(ctx context.Context, cfg Config, maxCandidates int) ([]types.DiscoveryCandidate, error) {
	rawPairs, err := p.scan(ctx, cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if len(rawPairs) == 0 {
		log.Info().Msg("discovery scan returned no pairs")
		return nil, nil
	}

	filtered := p.applyFilters(rawPairs, cfg)
	if len(filtered) == 0 {
		log.Info().Msg("no candidates passed deterministic filters")
		return nil, nil
	}

	filtered = p.excludeHeld(filtered)
	if len(filtered) == 0 {
		log.Info().Msg("all candidates already held")
		return nil, nil
	}

	safe := p.safetyCheck(ctx, filtered)
	if len(safe) == 0 {
		log.Info().Msg("no candidates passed safety checks")
		return nil, nil
	}

	approved := make([]types.DiscoveryCandidate, 0, maxCandidates)
	for _, candidate := range safe {
		if len(approved) >= maxCandidates {
			break
		}
		candidate.MomentumScore = decision.HeuristicScore(candidate)
		buy, reasoning := decision.Decide(ctx, p.newDecisionSession, p.invokeTool, candidate, cfg.MinMomentumScore)
		candidate.BuyDecision = buy
		candidate.Reasoning = reasoning
		log.Info().
			Str("symbol", candidate.Symbol).
			Bool("buy", buy).
			Float64("heuristic", candidate.MomentumScore).
			Str("reasoning", reasoning).
			Msg("discovery decision")
		if buy {
			approved = append(approved, candidate)
		}
	}
	return approved, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCAN
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) scan(ctx context.Context, chain string) ([]map[string]any, error) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var pairs []map[string]any

	addPairs := func(candidates []map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		for _, pair := range candidates {
			addr := strings.ToLower(baseTokenAddress(pair))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			pairs = append(pairs, pair)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		boosted := p.fetchBoostedTokens(gctx, chain)
		if len(boosted) == 0 {
			return nil
		}
		pooled := p.fetchPairsForTokens(gctx, boosted)
		addPairs(pooled)
		return nil
	})

	for _, query := range []string{"trending " + chain, chain} {
		query := query
		g.Go(func() error {
			result, err := p.marketData.Call(gctx, "search_pairs", map[string]any{"query": query})
			if err != nil {
				log.Warn().Str("query", query).Err(err).Msg("search_pairs failed")
				return nil
			}
			addPairs(extractPairs(result))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (p *Pipeline) fetchBoostedTokens(ctx context.Context, chain string) []map[string]any {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var tokens []map[string]any

	g, gctx := errgroup.WithContext(ctx)
	for _, endpoint := range []string{"get_top_boosted_tokens", "get_latest_boosted_tokens"} {
		endpoint := endpoint
		g.Go(func() error {
			result, err := p.marketData.Call(gctx, endpoint, map[string]any{})
			if err != nil {
				log.Warn().Str("endpoint", endpoint).Err(err).Msg("boosted-token fetch failed")
				return nil
			}
			items := extractBoostedTokens(result)
			mu.Lock()
			for _, item := range items {
				itemChain := strings.ToLower(stringField(item, "chainId"))
				addr := strings.ToLower(stringField(item, "tokenAddress"))
				if itemChain != chain || addr == "" || seen[addr] {
					continue
				}
				seen[addr] = true
				tokens = append(tokens, item)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tokens
}

func (p *Pipeline) fetchPairsForTokens(ctx context.Context, tokens []map[string]any) []map[string]any {
	results := make([]map[string]any, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			addr := stringField(token, "tokenAddress")
			if addr == "" {
				return nil
			}
			chain := stringField(token, "chainId")
			result, err := p.marketData.Call(gctx, "get_token_pools", map[string]any{"chainId": chain, "tokenAddress": addr})
			if err != nil {
				log.Warn().Str("token", truncateAddr(addr)).Err(err).Msg("get_token_pools failed")
				return nil
			}
			pairs := extractPairs(result)
			if len(pairs) == 0 {
				return nil
			}
			results[i] = deepestLiquidityPair(pairs)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]map[string]any, 0, len(tokens))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func deepestLiquidityPair(pairs []map[string]any) map[string]any {
	best := pairs[0]
	bestLiq := liquidityUSD(best)
	for _, p := range pairs[1:] {
		if l := liquidityUSD(p); l > bestLiq {
			best, bestLiq = p, l
		}
	}
	return best
}

func liquidityUSD(pair map[string]any) float64 {
	liq, ok := pair["liquidity"].(map[string]any)
	if !ok {
		return 0
	}
	return floatField(liq, "usd")
}

// ═══════════════════════════════════════════════════════════════════════════════
// DETERMINISTIC FILTER
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) applyFilters(pairs []map[string]any, cfg Config) []types.DiscoveryCandidate {
	seen := make(map[string]bool)
	var candidates []types.DiscoveryCandidate

	var rejectedVolume, rejectedLiquidity, rejectedMarketCap, rejectedAge int
	nowMs := float64(time.Now().UnixMilli())

	minVol, _ := cfg.MinVolumeUSD.Float64()
	minLiq, _ := cfg.MinLiquidityUSD.Float64()
	minMcap, _ := cfg.MinMarketCapUSD.Float64()

	for _, pair := range pairs {
		chainID := strings.ToLower(stringField(pair, "chainId"))
		if chainID != cfg.Chain {
			continue
		}

		base, _ := pair["baseToken"].(map[string]any)
		address := stringField(base, "address")
		symbol := stringField(base, "symbol")
		if address == "" || symbol == "" {
			continue
		}
		addrLower := strings.ToLower(address)
		if seen[addrLower] {
			continue
		}
		seen[addrLower] = true

		price := floatField(pair, "priceUsd")
		volume24h := nestedFloat(pair, "volume", "h24")
		liquidity := liquidityUSD(pair)
		priceChange := nestedFloat(pair, "priceChange", "h24")
		marketCap := floatField(pair, "marketCap")
		if marketCap == 0 {
			marketCap = floatField(pair, "fdv")
		}
		pairCreatedAtMs := floatField(pair, "pairCreatedAt")

		if volume24h < minVol {
			rejectedVolume++
			continue
		}
		if liquidity < minLiq {
			rejectedLiquidity++
			continue
		}
		if marketCap < minMcap {
			rejectedMarketCap++
			continue
		}
		if price <= 0 {
			continue
		}
		if cfg.MinTokenAgeHours > 0 && pairCreatedAtMs > 0 {
			ageHours := (nowMs - pairCreatedAtMs) / 1000 / 3600
			if ageHours < cfg.MinTokenAgeHours {
				rejectedAge++
				continue
			}
		}

		candidates = append(candidates, types.DiscoveryCandidate{
			TokenAddr:      address,
			Symbol:         symbol,
			Chain:          cfg.Chain,
			PriceUSD:       decimal.NewFromFloat(price),
			Volume24h:      decimal.NewFromFloat(volume24h),
			LiquidityUSD:   decimal.NewFromFloat(liquidity),
			MarketCapUSD:   decimal.NewFromFloat(marketCap),
			PriceChange24h: decimal.NewFromFloat(priceChange),
		})
	}

	log.Info().
		Int("rejected_volume", rejectedVolume).
		Int("rejected_liquidity", rejectedLiquidity).
		Int("rejected_market_cap", rejectedMarketCap).
		Int("rejected_age", rejectedAge).
		Int("passed", len(candidates)).
		Msg("discovery filter breakdown")

	return candidates
}

func (p *Pipeline) excludeHeld(candidates []types.DiscoveryCandidate) []types.DiscoveryCandidate {
	if p.store == nil {
		return candidates
	}
	out := make([]types.DiscoveryCandidate, 0, len(candidates))
	for _, c := range candidates {
		existing, err := p.store.GetOpenPosition(c.TokenAddr, c.Chain)
		if err != nil {
			log.Warn().Str("symbol", c.Symbol).Err(err).Msg("failed to check for an existing position; treating as not held")
		}
		if existing == nil {
			out = append(out, c)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY CHECK
// ═══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) safetyCheck(ctx context.Context, candidates []types.DiscoveryCandidate) []types.DiscoveryCandidate {
	if p.safety == nil {
		for i := range candidates {
			candidates[i].SafetyStatus = types.SafetyUnverified
		}
		return candidates
	}

	safe := make([]types.DiscoveryCandidate, 0, len(candidates))
	for _, c := range candidates {
		result, err := p.safety.Call(ctx, "get_token_summary", map[string]any{"token_address": c.TokenAddr})
		if err != nil {
			log.Warn().Str("symbol", c.Symbol).Err(err).Msg("safety check failed")
			c.SafetyStatus = types.SafetyUnverified
			safe = append(safe, c)
			continue
		}
		status, score := parseSafety(result)
		c.SafetyStatus = status
		c.SafetyScore = score
		if status == types.SafetySafe || status == types.SafetyRisky || status == types.SafetyUnverified {
			safe = append(safe, c)
		} else {
			log.Info().Str("symbol", c.Symbol).Str("safety", string(status)).Msg("candidate rejected on safety")
		}
	}
	return safe
}

func parseSafety(result map[string]any) (types.SafetyStatus, float64) {
	score := floatField(result, "score_normalised")
	if score == 0 {
		score = floatField(result, "score")
	}
	risks, _ := result["risks"].([]any)

	switch {
	case score <= 500 && len(risks) == 0:
		return types.SafetySafe, score
	case score <= 2000 || len(risks) <= 2:
		return types.SafetyRisky, score
	default:
		return types.SafetyDangerous, score
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// JSON-SHAPE HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func extractPairs(result map[string]any) []map[string]any {
	if pairsRaw, ok := result["pairs"].([]any); ok {
		return toMapSlice(pairsRaw)
	}
	if resultsRaw, ok := result["results"].([]any); ok {
		return toMapSlice(resultsRaw)
	}
	return nil
}

func extractBoostedTokens(result map[string]any) []map[string]any {
	for _, key := range []string{"tokens", "data", "results"} {
		if items, ok := result[key].([]any); ok {
			return toMapSlice(items)
		}
	}
	return nil
}

func toMapSlice(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func baseTokenAddress(pair map[string]any) string {
	base, ok := pair["baseToken"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(base, "address")
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		_, _ = fmt.Sscanf(v, "%f", &f)
		return f
	default:
		return 0
	}
}

func nestedFloat(m map[string]any, outer, inner string) float64 {
	nested, ok := m[outer].(map[string]any)
	if !ok {
		return 0
	}
	return floatField(nested, inner)
}

func truncateAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:12] + "…"
}
