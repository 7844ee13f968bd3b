// Package strategyengine orchestrates discovery, entry, position
// monitoring, and exits on top of the store, discovery, trader, and
// quote packages.
package strategyengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrunner/strategybot/chainrpc"
	"github.com/dexrunner/strategybot/discovery"
	"github.com/dexrunner/strategybot/pricecache"
	"github.com/dexrunner/strategybot/quote"
	"github.com/dexrunner/strategybot/store"
	"github.com/dexrunner/strategybot/trader"
	"github.com/dexrunner/strategybot/types"
)

const (
	errorSkipDuration       = 5 * time.Minute
	nativePriceStaleAfter   = 120 * time.Second
	referencePriceCacheTTL  = 15 * time.Second
	stuckPositionAlertAfter = 6 * time.Hour
)

// Config is the runtime-tunable surface of the engine. A Config is read
// fresh at the start of every cycle, so a config reload between cycles
// takes effect immediately.
type Config struct {
	Enabled           bool
	DryRun            bool
	Chain             string
	MaxPositions      int
	PositionSizeUSD   decimal.Decimal
	TakeProfitPct     decimal.Decimal
	StopLossPct       decimal.Decimal
	TrailingStopPct   decimal.Decimal
	MaxHoldHours      float64
	DailyLossLimitUSD decimal.Decimal
	MinVolumeUSD      decimal.Decimal
	MinLiquidityUSD   decimal.Decimal
	MinMarketCapUSD   decimal.Decimal
	MinTokenAgeHours  float64
	CooldownSeconds   int
	MinMomentumScore  float64
	MaxSlippageBps    int
}

// AlertFunc is called for out-of-band operator notifications: a position
// still open more than stuckPositionAlertAfter after it was opened (a fixed
// age, independent of MaxHoldHours), or a position whose sell has failed
// consecutiveSellFailureAlert times in a row.
type AlertFunc func(message string)

// Engine orchestrates the discovery and exit-check cycles. It is safe for
// concurrent use by a scheduler calling RunDiscoveryCycle/RunExitChecks
// from separate goroutines, though in practice a single scheduler runs
// each cycle type serially.
type Engine struct {
	store     *store.Store
	discovery *discovery.Pipeline
	execution *trader.Service
	refPrices *quote.Source
	priceCache *pricecache.Cache
	alert     AlertFunc

	configFn func() Config

	mu                 sync.Mutex
	nativePriceUSD     *decimal.Decimal
	nativePriceUpdated time.Time
	skipUntil          map[string]time.Time
	sellFailures       map[int64]int
}

// consecutiveSellFailureAlert is the number of back-to-back failed sell
// attempts on one position before the engine escalates beyond the
// ordinary failed-execution record.
const consecutiveSellFailureAlert = 3

// New builds an Engine. configFn is called at the start of every cycle so
// that live config reloads take effect without restarting the engine.
// alert may be nil, in which case the stuck-position guard only logs.
func New(st *store.Store, pipeline *discovery.Pipeline, execution *trader.Service, refPrices *quote.Source, configFn func() Config, alert AlertFunc) *Engine {
	if alert == nil {
		alert = func(string) {}
	}
	return &Engine{
		store:        st,
		discovery:    pipeline,
		execution:    execution,
		refPrices:    refPrices,
		priceCache:   pricecache.New(referencePriceCacheTTL),
		alert:        alert,
		configFn:     configFn,
		skipUntil:    make(map[string]time.Time),
		sellFailures: make(map[int64]int),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISCOVERY CYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// RunDiscoveryCycle discovers new tokens, buys, and opens positions. The
// per-token skip-phase counter is decremented exactly once per call on
// every path except the disabled early return, where it is not decremented.
func (e *Engine) RunDiscoveryCycle(ctx context.Context) types.DiscoveryCycleResult {
	cfg := e.configFn()
	now := time.Now().UTC()
	result := types.DiscoveryCycleResult{Timestamp: now}

	if !cfg.Enabled {
		result.Summary = "Portfolio strategy disabled"
		return result
	}

	defer func() {
		if _, err := e.store.DecrementAllSkipPhases(cfg.Chain); err != nil {
			log.Warn().Err(err).Msg("failed to decrement skip phases")
		}
	}()

	e.refreshNativePrice(ctx, cfg.Chain)
	if e.getNativePrice() == nil {
		result.Summary = "Skipped: native token price unavailable"
		result.Errors = append(result.Errors, "native token price is unavailable")
		return result
	}

	openCount, err := e.store.CountOpenPositions(cfg.Chain)
	if err != nil {
		result.Summary = "Skipped: failed to count open positions"
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	availableSlots := cfg.MaxPositions - int(openCount)
	if availableSlots <= 0 {
		result.Summary = fmt.Sprintf("Portfolio full (%d/%d)", openCount, cfg.MaxPositions)
		return result
	}

	dailyPnL, err := e.store.GetDailyPnL(now)
	if err != nil {
		result.Summary = "Skipped: failed to read daily PnL"
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if dailyPnL.LessThanOrEqual(cfg.DailyLossLimitUSD.Abs().Neg()) {
		result.Summary = "Skipped: daily loss limit reached"
		result.Errors = append(result.Errors, fmt.Sprintf("daily PnL %s exceeds limit", dailyPnL.StringFixed(2)))
		return result
	}

	discoveryCfg := discovery.Config{
		Chain:            cfg.Chain,
		MinVolumeUSD:     cfg.MinVolumeUSD,
		MinLiquidityUSD:  cfg.MinLiquidityUSD,
		MinMarketCapUSD:  cfg.MinMarketCapUSD,
		MinTokenAgeHours: cfg.MinTokenAgeHours,
		MinMomentumScore: cfg.MinMomentumScore,
	}
	candidates, err := e.discovery.Discover(ctx, discoveryCfg, availableSlots)
	if err != nil {
		result.Summary = "Skipped: discovery failed"
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.CandidatesFound = len(candidates)

	if len(candidates) == 0 {
		result.Summary = "No suitable candidates found"
		return result
	}

	for _, candidate := range candidates {
		key := strings.ToLower(candidate.TokenAddr)

		e.mu.Lock()
		skipUntil, stillSkipped := e.skipUntil[key]
		if stillSkipped && now.Before(skipUntil) {
			e.mu.Unlock()
			continue
		}
		delete(e.skipUntil, key)
		e.mu.Unlock()

		skipPhases, err := e.store.GetSkipPhases(candidate.TokenAddr, candidate.Chain)
		if err != nil {
			log.Warn().Str("symbol", candidate.Symbol).Err(err).Msg("failed to read skip phases; proceeding")
		}
		if skipPhases > 0 {
			log.Info().Str("symbol", candidate.Symbol).Int("skip_phases", skipPhases).Msg("skipping candidate")
			continue
		}

		lastEntry, err := e.store.GetLastEntryTime(candidate.TokenAddr, candidate.Chain)
		if err != nil {
			log.Warn().Str("symbol", candidate.Symbol).Err(err).Msg("failed to read last entry time; proceeding")
		}
		if lastEntry != nil && now.Sub(*lastEntry) < time.Duration(cfg.CooldownSeconds)*time.Second {
			continue
		}

		position, err := e.openPosition(ctx, cfg, candidate)
		if err != nil {
			errMsg := fmt.Sprintf("%s: %s", candidate.Symbol, err)
			result.Errors = append(result.Errors, errMsg)
			e.mu.Lock()
			e.skipUntil[key] = now.Add(errorSkipDuration)
			e.mu.Unlock()
			log.Warn().Str("symbol", candidate.Symbol).Err(err).Msg("skipping candidate after error")
			continue
		}
		if position != nil {
			result.PositionsOpened = append(result.PositionsOpened, *position)
		}
	}

	parts := []string{fmt.Sprintf("found=%d", result.CandidatesFound)}
	if len(result.PositionsOpened) > 0 {
		parts = append(parts, fmt.Sprintf("opened=%d", len(result.PositionsOpened)))
	}
	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("errors=%d", len(result.Errors)))
	}
	result.Summary = strings.Join(parts, " | ")
	return result
}

func (e *Engine) openPosition(ctx context.Context, cfg Config, candidate types.DiscoveryCandidate) (*types.Position, error) {
	notional := cfg.PositionSizeUSD
	nativePrice := e.getNativePrice()

	q, err := e.execution.GetQuote(ctx, candidate.TokenAddr, notional, trader.SideBuy, nativePrice, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}

	exec, err := e.execution.ExecuteTrade(ctx, candidate.TokenAddr, notional, trader.SideBuy, nil, cfg.DryRun, q, nativePrice, nil)
	if err != nil {
		return nil, fmt.Errorf("execute buy: %w", err)
	}

	quantity := exec.QuantityToken
	if quantity == nil {
		if !q.Price.IsPositive() {
			return nil, fmt.Errorf("cannot derive quantity from quote price")
		}
		qty := notional.Div(q.Price)
		quantity = &qty
	}

	executedPrice := q.Price
	if exec.ExecutedPrice != nil {
		executedPrice = *exec.ExecutedPrice
	}

	if !exec.Success {
		if _, err := e.store.RecordExecution(store.RecordExecutionParams{
			TokenAddr:     candidate.TokenAddr,
			Symbol:        candidate.Symbol,
			Chain:         candidate.Chain,
			Action:        types.ActionBuy,
			RequestedUSD:  &notional,
			ExecutedPrice: &executedPrice,
			Quantity:      quantity,
			TxHash:        exec.TxHash,
			Success:       false,
			Error:         exec.Error,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to record failed buy execution")
		}
		log.Error().Str("symbol", candidate.Symbol).Str("error", exec.Error).Msg("buy failed")
		return nil, nil
	}

	one := decimal.NewFromInt(1)
	stopPrice := executedPrice.Mul(one.Sub(cfg.StopLossPct.Div(decimal.NewFromInt(100))))
	takePrice := executedPrice.Mul(one.Add(cfg.TakeProfitPct.Div(decimal.NewFromInt(100))))

	momentum := candidate.MomentumScore
	position, err := e.store.AddPosition(store.AddPositionParams{
		TokenAddr:       candidate.TokenAddr,
		Symbol:          candidate.Symbol,
		Chain:           candidate.Chain,
		EntryPrice:      executedPrice,
		Quantity:        *quantity,
		NotionalUSD:     notional,
		StopPrice:       stopPrice,
		TakePrice:       takePrice,
		DryRun:          cfg.DryRun,
		MomentumScore:   &momentum,
		DiscoveryReason: candidate.Reasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("add position: %w", err)
	}

	if _, err := e.store.RecordExecution(store.RecordExecutionParams{
		PositionID:    &position.ID,
		TokenAddr:     candidate.TokenAddr,
		Symbol:        candidate.Symbol,
		Chain:         candidate.Chain,
		Action:        types.ActionBuy,
		RequestedUSD:  &notional,
		ExecutedPrice: &executedPrice,
		Quantity:      quantity,
		TxHash:        exec.TxHash,
		Success:       true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record successful buy execution")
	}

	log.Info().
		Str("symbol", candidate.Symbol).
		Str("entry", executedPrice.StringFixed(10)).
		Str("take_profit", takePrice.StringFixed(10)).
		Str("stop_loss", stopPrice.StringFixed(10)).
		Msg("opened position")

	return position, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT CHECK CYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// RunExitChecks evaluates every open position for a trailing-stop update
// or a stop-loss/take-profit/max-hold-time exit.
func (e *Engine) RunExitChecks(ctx context.Context) types.ExitCycleResult {
	cfg := e.configFn()
	now := time.Now().UTC()
	result := types.ExitCycleResult{Timestamp: now}

	if !cfg.Enabled {
		result.Summary = "Portfolio strategy disabled"
		return result
	}

	positions, err := e.store.ListOpenPositions(cfg.Chain)
	if err != nil {
		result.Summary = "Failed to list open positions"
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if len(positions) == 0 {
		result.Summary = "No open positions"
		return result
	}

	e.refreshNativePrice(ctx, cfg.Chain)

	trailingUpdated := 0
	for _, position := range positions {
		updated, err := e.evaluatePosition(ctx, cfg, &position, &result, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("exit check failed for %s: %s", position.Symbol, err))
			log.Warn().Str("symbol", position.Symbol).Err(err).Msg("exit check failed")
			continue
		}
		if updated {
			trailingUpdated++
		}

		if position.CloseReason == nil && now.Sub(position.OpenedAt) > stuckPositionAlertAfter {
			msg := fmt.Sprintf("%s is still open after more than %s", position.Symbol, stuckPositionAlertAfter)
			e.alert(msg)
			log.Warn().Str("symbol", position.Symbol).Msg(msg)
		}
	}

	parts := []string{fmt.Sprintf("checked=%d", len(positions))}
	if trailingUpdated > 0 {
		parts = append(parts, fmt.Sprintf("trailing_updated=%d", trailingUpdated))
	}
	if len(result.PositionsClosed) > 0 {
		parts = append(parts, fmt.Sprintf("closed=%d", len(result.PositionsClosed)))
	}
	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("errors=%d", len(result.Errors)))
	}
	result.Summary = strings.Join(parts, " | ")
	return result
}

// evaluatePosition updates the trailing stop (if the price has made a new
// high) and, if an exit condition now fires, closes the position. It
// returns whether the trailing stop was updated.
func (e *Engine) evaluatePosition(ctx context.Context, cfg Config, position *types.Position, result *types.ExitCycleResult, now time.Time) (bool, error) {
	currentPrice, err := e.fetchCurrentPrice(ctx, position.TokenAddr, position.Chain)
	if err != nil {
		return false, err
	}

	trailingUpdated := false
	if currentPrice.GreaterThan(position.HighPrice) {
		newHighest := currentPrice
		trailFraction := decimal.NewFromInt(1).Sub(cfg.TrailingStopPct.Div(decimal.NewFromInt(100)))
		newTrailStop := newHighest.Mul(trailFraction)
		newStop := position.StopPrice
		if newTrailStop.GreaterThan(newStop) {
			newStop = newTrailStop
		}

		if newStop.GreaterThan(position.StopPrice) || newHighest.GreaterThan(position.HighPrice) {
			if _, err := e.store.UpdateTrailingStop(position.ID, newStop, newHighest); err != nil {
				return false, fmt.Errorf("update trailing stop: %w", err)
			}
			position.StopPrice = newStop
			position.HighPrice = newHighest
			trailingUpdated = true
			log.Debug().Str("symbol", position.Symbol).Str("stop", newStop.StringFixed(10)).Str("highest", newHighest.StringFixed(10)).Msg("trailing stop updated")
		}
	}

	reason := exitReason(position, currentPrice, now, cfg.MaxHoldHours)
	if reason == "" {
		return trailingUpdated, nil
	}

	if err := e.closePosition(ctx, cfg, position, currentPrice, reason, result); err != nil {
		return trailingUpdated, err
	}
	return trailingUpdated, nil
}

// exitReason checks stop-loss, then take-profit, then max-hold-time, in
// that order; only the first matching condition fires.
func exitReason(position *types.Position, currentPrice decimal.Decimal, now time.Time, maxHoldHours float64) types.CloseReason {
	if currentPrice.LessThanOrEqual(position.StopPrice) {
		return types.ReasonStopLoss
	}
	if currentPrice.GreaterThanOrEqual(position.TakePrice) {
		return types.ReasonTakeProfit
	}
	ageHours := now.Sub(position.OpenedAt).Hours()
	if ageHours >= maxHoldHours {
		return types.ReasonMaxHoldTime
	}
	return ""
}

func (e *Engine) closePosition(ctx context.Context, cfg Config, position *types.Position, currentPrice decimal.Decimal, reason types.CloseReason, result *types.ExitCycleResult) error {
	sellQty := position.Quantity

	if !cfg.DryRun {
		balance, err := e.execution.GetWalletTokenBalance(ctx, position.TokenAddr)
		if err != nil {
			log.Debug().Err(err).Str("symbol", position.Symbol).Msg("wallet balance lookup failed; selling full tracked quantity")
		}
		if balance != nil && balance.IsPositive() && balance.LessThan(sellQty) {
			sellQty = *balance
		}
	}

	requestedNotional := currentPrice.Mul(sellQty)
	nativePrice := e.getNativePrice()

	exec, err := e.execution.ExecuteTrade(ctx, position.TokenAddr, requestedNotional, trader.SideSell, &sellQty, cfg.DryRun, nil, nativePrice, nil)
	if err != nil {
		return fmt.Errorf("execute sell: %w", err)
	}

	exitPrice := currentPrice
	if exec.ExecutedPrice != nil {
		exitPrice = *exec.ExecutedPrice
	}

	if !exec.Success {
		result.Errors = append(result.Errors, fmt.Sprintf("sell failed for %s: %s", position.Symbol, exec.Error))
		if _, err := e.store.RecordExecution(store.RecordExecutionParams{
			PositionID:    &position.ID,
			TokenAddr:     position.TokenAddr,
			Symbol:        position.Symbol,
			Chain:         position.Chain,
			Action:        types.ActionSell,
			RequestedUSD:  &requestedNotional,
			ExecutedPrice: &exitPrice,
			Quantity:      &sellQty,
			TxHash:        exec.TxHash,
			Success:       false,
			Error:         exec.Error,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to record failed sell execution")
		}

		e.mu.Lock()
		e.sellFailures[position.ID]++
		failures := e.sellFailures[position.ID]
		e.mu.Unlock()
		if failures >= consecutiveSellFailureAlert {
			msg := fmt.Sprintf("%s has failed to sell %d times in a row (%s)", position.Symbol, failures, exec.Error)
			e.alert(msg)
			log.Error().Str("symbol", position.Symbol).Int("consecutive_failures", failures).Msg("position stuck: repeated sell failures")
		}
		return nil
	}

	e.mu.Lock()
	delete(e.sellFailures, position.ID)
	e.mu.Unlock()

	realizedPnL := exitPrice.Sub(position.EntryPrice).Mul(sellQty)
	closed, err := e.store.ClosePosition(position.ID, exitPrice, reason, realizedPnL)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	closeErr := ""
	if !closed {
		closeErr = "position close update failed"
	}
	if _, err := e.store.RecordExecution(store.RecordExecutionParams{
		PositionID:    &position.ID,
		TokenAddr:     position.TokenAddr,
		Symbol:        position.Symbol,
		Chain:         position.Chain,
		Action:        types.ActionSell,
		RequestedUSD:  &requestedNotional,
		ExecutedPrice: &exitPrice,
		Quantity:      &sellQty,
		TxHash:        exec.TxHash,
		Success:       closed,
		Error:         closeErr,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record sell execution")
	}

	if !closed {
		return nil
	}

	position.ExitPrice = &exitPrice
	position.RealizedPnLUSD = &realizedPnL
	position.CloseReason = &reason
	result.PositionsClosed = append(result.PositionsClosed, *position)
	log.Info().Str("symbol", position.Symbol).Str("reason", string(reason)).Str("pnl", realizedPnL.StringFixed(4)).Msg("closed position")

	if reason == types.ReasonStopLoss && realizedPnL.IsNegative() {
		count, err := e.store.IncrementNegativeSLCount(position.TokenAddr, position.Chain)
		if err != nil {
			log.Warn().Err(err).Msg("failed to increment negative stop-loss count")
		} else if count >= 2 {
			log.Info().Str("symbol", position.Symbol).Msg("two negative stop losses hit — skipping next discovery cycle")
		}
	}

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) fetchCurrentPrice(ctx context.Context, tokenAddress, chain string) (decimal.Decimal, error) {
	if cached, ok := e.priceCache.Get(chain, tokenAddress); ok {
		return cached.PriceUSD, nil
	}

	result, err := e.refPrices.FetchReference(ctx, chain, tokenAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch reference price: %w", err)
	}

	e.priceCache.Set(chain, tokenAddress, pricecache.Quote{PriceUSD: result.PriceUSD, LiquidityUSD: result.LiquidityUSD})
	return result.PriceUSD, nil
}

func (e *Engine) refreshNativePrice(ctx context.Context, chain string) {
	e.mu.Lock()
	stale := time.Since(e.nativePriceUpdated) >= nativePriceStaleAfter
	e.mu.Unlock()
	if !stale && e.getNativePrice() != nil {
		return
	}

	result, err := e.refPrices.FetchReference(ctx, chain, chainrpc.NativeMint)
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh native token price")
		return
	}
	if !result.PriceUSD.IsPositive() {
		return
	}

	e.mu.Lock()
	e.nativePriceUSD = &result.PriceUSD
	e.nativePriceUpdated = time.Now().UTC()
	e.mu.Unlock()
}

func (e *Engine) getNativePrice() *decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nativePriceUSD
}
