// Package trader resolves a dynamically-shaped trader tool surface,
// synthesizes JSON-schema-driven arguments for it, and normalizes whatever
// heterogeneous response shape it returns into a USD price and quantity.
package trader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrunner/strategybot/chainrpc"
	"github.com/dexrunner/strategybot/toolprovider"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

const defaultSPLDecimals = 9
const nativeDecimals = 9

// Quote is a normalized executable quote.
type Quote struct {
	Price        decimal.Decimal
	Method       string
	Raw          map[string]any
	LiquidityUSD *decimal.Decimal
}

// Execution is a normalized execution response.
type Execution struct {
	Success       bool
	Method        string
	Raw           map[string]any
	TxHash        string
	ExecutedPrice *decimal.Decimal
	QuantityToken *decimal.Decimal
	Error         string
}

type methodSet struct {
	quoteMethod   string
	executeMethod string
	buyMethod     string
	sellMethod    string
}

func (m methodSet) executeFor(side Side) string {
	if side == SideBuy && m.buyMethod != "" {
		return m.buyMethod
	}
	if side == SideSell && m.sellMethod != "" {
		return m.sellMethod
	}
	return m.executeMethod
}

// Service discovers a trader's tools, synthesizes arguments for them from
// their JSON schema, and normalizes quote/execution responses.
type Service struct {
	provider        toolprovider.Provider
	decimalsClient  *chainrpc.Client
	chain           string
	maxSlippageBps  int
	quoteOverride   string
	executeOverride string
	quoteMint       string

	mu          sync.Mutex
	methodCache *methodSet
}

// NewService builds a Service. quoteMethodOverride / executeMethodOverride,
// when non-empty, are used as the quote / generic execute method names in
// place of name resolution; a provider that declares no tools is still
// rejected before the overrides are consulted.
func NewService(provider toolprovider.Provider, decimalsClient *chainrpc.Client, chain string, maxSlippageBps int, quoteMethodOverride, executeMethodOverride, quoteMint string) *Service {
	return &Service{
		provider:        provider,
		decimalsClient:  decimalsClient,
		chain:           strings.ToLower(chain),
		maxSlippageBps:  maxSlippageBps,
		quoteOverride:   strings.TrimSpace(quoteMethodOverride),
		executeOverride: strings.TrimSpace(executeMethodOverride),
		quoteMint:       quoteMint,
	}
}

func (s *Service) resolveMethods() (*methodSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.methodCache != nil {
		return s.methodCache, nil
	}

	tools := s.provider.Tools()
	if len(tools) == 0 {
		return nil, fmt.Errorf("trader provider has no tools")
	}

	quoteMethod := s.quoteOverride
	if quoteMethod == "" {
		quoteMethod, _ = toolprovider.ResolveByName(tools,
			[]string{"get_quote", "quote", "getQuote", "quote_swap", "swap_quote", "jupiter_quote"},
			"quote")
	}
	executeMethod := s.executeOverride
	if executeMethod == "" {
		executeMethod, _ = toolprovider.ResolveByName(tools,
			[]string{"swap", "execute_swap", "trade", "execute_trade", "place_order"},
			"swap", "trade", "order")
	}
	buyMethod, _ := toolprovider.ResolveByName(tools, []string{"buy_token", "buy", "buyToken"}, "buy")
	sellMethod, _ := toolprovider.ResolveByName(tools, []string{"sell_token", "sell", "sellToken"}, "sell")

	if quoteMethod == "" {
		return nil, fmt.Errorf("unable to resolve trader quote method from tools")
	}
	if executeMethod == "" && !(buyMethod != "" && sellMethod != "") {
		return nil, fmt.Errorf("unable to resolve trader execute method from tools")
	}

	s.methodCache = &methodSet{
		quoteMethod:   quoteMethod,
		executeMethod: executeMethod,
		buyMethod:     buyMethod,
		sellMethod:    sellMethod,
	}
	return s.methodCache, nil
}

func (s *Service) toolSchema(tools []toolprovider.ToolSpec, name string) toolprovider.ToolSpec {
	for _, t := range tools {
		if t.Name == name {
			return t
		}
	}
	return toolprovider.ToolSpec{}
}

func (s *Service) resolveDecimals(ctx context.Context, tokenAddress string, tokenDecimals *int) (int, error) {
	if tokenDecimals != nil {
		return *tokenDecimals, nil
	}
	if s.decimalsClient == nil {
		return defaultSPLDecimals, nil
	}
	return s.decimalsClient.GetDecimals(ctx, tokenAddress)
}

// GetQuote fetches an executable quote from the resolved quote tool.
func (s *Service) GetQuote(ctx context.Context, tokenAddress string, notionalUSD decimal.Decimal, side Side, inputPriceUSD *decimal.Decimal, tokenDecimals *int, quantityToken *decimal.Decimal) (*Quote, error) {
	decimals, err := s.resolveDecimals(ctx, tokenAddress, tokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("resolve token decimals: %w", err)
	}

	methods, err := s.resolveMethods()
	if err != nil {
		return nil, err
	}
	schema := s.toolSchema(s.provider.Tools(), methods.quoteMethod)

	args, err := s.buildToolArgs(schema, tokenAddress, notionalUSD, side, quantityToken, nil, inputPriceUSD, decimals)
	if err != nil {
		return nil, fmt.Errorf("build quote arguments: %w", err)
	}

	result, err := s.provider.Call(ctx, methods.quoteMethod, args)
	if err != nil {
		return nil, fmt.Errorf("call quote method %s: %w", methods.quoteMethod, err)
	}

	price, ok := extractPrice(result, side, inputPriceUSD, decimals)
	if !ok || !price.IsPositive() {
		log.Warn().Str("method", methods.quoteMethod).Interface("response", result).Msg("trader quote response had no valid price")
		return nil, fmt.Errorf("trader quote did not include a valid price (method: %s)", methods.quoteMethod)
	}

	liquidity, hasLiquidity := extractFirstDecimal(result, "liquidityUsd", "liquidity_usd", "liquidity", "liquidityUSD")

	q := &Quote{Price: price, Method: methods.quoteMethod, Raw: result}
	if hasLiquidity {
		q.LiquidityUSD = &liquidity
	}
	return q, nil
}

// GetWalletTokenBalance queries the optional get_balance tool. It returns
// (nil, nil) when the trader has no such tool or the call fails — a wallet
// read is best-effort, never a hard error.
func (s *Service) GetWalletTokenBalance(ctx context.Context, tokenAddress string) (*decimal.Decimal, error) {
	tools := s.provider.Tools()
	hasBalance := false
	for _, t := range tools {
		if t.Name == "get_balance" {
			hasBalance = true
			break
		}
	}
	if !hasBalance {
		return nil, nil
	}

	result, err := s.provider.Call(ctx, "get_balance", map[string]any{"token_address": tokenAddress})
	if err != nil {
		log.Debug().Err(err).Str("token", tokenAddress).Msg("get_balance failed")
		return nil, nil
	}

	tb, ok := result["tokenBalance"].(map[string]any)
	if !ok {
		return nil, nil
	}
	d, ok := asDecimal(tb["uiAmount"])
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// ExecuteTrade executes (or, in dry-run mode, simulates) a trade.
func (s *Service) ExecuteTrade(ctx context.Context, tokenAddress string, notionalUSD decimal.Decimal, side Side, quantityToken *decimal.Decimal, dryRun bool, quote *Quote, inputPriceUSD *decimal.Decimal, tokenDecimals *int) (*Execution, error) {
	decimals, err := s.resolveDecimals(ctx, tokenAddress, tokenDecimals)
	if err != nil {
		return nil, fmt.Errorf("resolve token decimals: %w", err)
	}

	if dryRun {
		exec := &Execution{Success: true, Raw: map[string]any{"dry_run": true}}
		if quote != nil {
			p := quote.Price
			exec.ExecutedPrice = &p
		}
		qty := quantityToken
		if qty == nil && exec.ExecutedPrice != nil && exec.ExecutedPrice.IsPositive() {
			q := notionalUSD.Div(*exec.ExecutedPrice)
			qty = &q
		}
		exec.QuantityToken = qty
		return exec, nil
	}

	methods, err := s.resolveMethods()
	if err != nil {
		return nil, err
	}
	method := methods.executeFor(side)
	schema := s.toolSchema(s.provider.Tools(), method)

	var quotePayload map[string]any
	if quote != nil {
		quotePayload = quote.Raw
	}

	args, err := s.buildToolArgs(schema, tokenAddress, notionalUSD, side, quantityToken, quotePayload, inputPriceUSD, decimals)
	if err != nil {
		return nil, fmt.Errorf("build execute arguments: %w", err)
	}

	result, err := s.provider.Call(ctx, method, args)
	if err != nil {
		return nil, fmt.Errorf("call execute method %s: %w", method, err)
	}

	success := extractSuccess(result)
	errMsg := extractError(result)
	txHash := extractTxHash(result)

	var executedPrice *decimal.Decimal
	if p, ok := extractPrice(result, side, inputPriceUSD, decimals); ok {
		executedPrice = &p
	}

	executedQty, hasQty := extractFirstDecimal(result, "quantity", "quantityToken", "qty", "filledAmount", "tokenSold", "token_sold")
	if !hasQty {
		if rawReceived, ok := extractFirstDecimal(result, "tokenReceived", "token_received", "outputAmount", "outAmount", "amountOut"); ok && rawReceived.IsPositive() {
			scale := decimal.New(1, int32(decimals))
			q := rawReceived.Div(scale)
			executedQty = q
			hasQty = true
		}
	}
	if success && !hasQty && executedPrice != nil && executedPrice.IsPositive() {
		q := notionalUSD.Div(*executedPrice)
		executedQty = q
		hasQty = true
	}

	// Live trades must carry a transaction hash to count as successful,
	// even when the response otherwise claims success.
	if success && txHash == "" {
		success = false
		if errMsg == "" {
			errMsg = "No transaction hash in trader response"
		}
	}
	if !success && errMsg == "" {
		errMsg = fmt.Sprintf("Trader execute method '%s' returned unsuccessful response", method)
	}

	exec := &Execution{
		Success:       success,
		Method:        method,
		Raw:           result,
		TxHash:        txHash,
		ExecutedPrice: executedPrice,
		Error:         errMsg,
	}
	if hasQty {
		exec.QuantityToken = &executedQty
	}
	return exec, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ARGUMENT SYNTHESIS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Service) buildToolArgs(schema toolprovider.ToolSpec, tokenAddress string, notionalUSD decimal.Decimal, side Side, quantityToken *decimal.Decimal, quotePayload map[string]any, inputPriceUSD *decimal.Decimal, tokenDecimals int) (map[string]any, error) {
	args := make(map[string]any)

	for key := range schema.Properties {
		if value, ok := s.valueForParam(key, tokenAddress, notionalUSD, side, quantityToken, quotePayload, inputPriceUSD, tokenDecimals); ok {
			args[key] = value
		}
	}

	for _, key := range schema.Required {
		if _, already := args[key]; already {
			continue
		}
		value, ok := s.valueForParam(key, tokenAddress, notionalUSD, side, quantityToken, quotePayload, inputPriceUSD, tokenDecimals)
		if !ok {
			return nil, fmt.Errorf("unable to infer required trader argument: %s", key)
		}
		args[key] = value
	}

	return args, nil
}

func (s *Service) valueForParam(paramName string, tokenAddress string, notionalUSD decimal.Decimal, side Side, quantityToken *decimal.Decimal, quotePayload map[string]any, inputPriceUSD *decimal.Decimal, tokenDecimals int) (any, bool) {
	key := strings.ToLower(paramName)

	switch key {
	case "chain", "network", "chainid":
		return s.chain, true
	case "side", "action", "direction", "trade_side":
		return string(side), true
	}
	if strings.Contains(key, "dry") && strings.Contains(key, "run") {
		return false, true
	}

	if quotePayload != nil {
		switch key {
		case "quote", "quote_response", "route", "route_plan", "swap_quote":
			return quotePayload, true
		}
	}

	isTokenish := containsAny(key, "mint", "token", "address")
	isAmountLike := containsAny(key, "amount", "size", "qty", "quantity", "decimal")
	if isTokenish && !isAmountLike {
		isInput := containsAny(key, "input", "from", "source", "sell", "inmint", "tokenin", "in_token")
		isOutput := containsAny(key, "output", "to", "destination", "buy", "outmint", "tokenout", "out_token")
		switch {
		case isInput:
			if side == SideBuy {
				return chainrpc.NativeMint, true
			}
			return tokenAddress, true
		case isOutput:
			if side == SideBuy {
				return tokenAddress, true
			}
			return chainrpc.NativeMint, true
		default:
			return tokenAddress, true
		}
	}

	if strings.Contains(key, "slippage") {
		if strings.Contains(key, "bps") {
			return s.maxSlippageBps, true
		}
		pct, _ := decimal.NewFromInt(int64(s.maxSlippageBps)).Div(decimal.NewFromInt(100)).Round(4).Float64()
		return pct, true
	}

	if containsAny(key, "notional", "usd") {
		f, _ := notionalUSD.Float64()
		return f, true
	}

	if strings.Contains(key, "lamport") {
		if inputPriceUSD != nil && inputPriceUSD.IsPositive() {
			lamports := notionalUSD.Div(*inputPriceUSD).Mul(decimal.New(1, 9))
			return lamports.IntPart(), true
		}
		log.Warn().Msg("no native reference price for lamport conversion; falling back to raw notional")
		raw := notionalUSD.Mul(decimal.New(1, 9))
		n := raw.IntPart()
		return n, true
	}

	if containsAny(key, "amount", "size", "qty", "quantity") {
		if quantityToken != nil && side == SideSell {
			f, _ := quantityToken.Float64()
			return f, true
		}
		if inputPriceUSD != nil && inputPriceUSD.IsPositive() {
			f, _ := notionalUSD.Div(*inputPriceUSD).Float64()
			return f, true
		}
		f, _ := notionalUSD.Float64()
		return f, true
	}

	if strings.Contains(key, "decimal") {
		isInputDec := strings.Contains(key, "input") || strings.Contains(key, "in_")
		if isInputDec {
			if side == SideBuy {
				return nativeDecimals, true
			}
			return tokenDecimals, true
		}
		return tokenDecimals, true
	}

	if strings.Contains(key, "symbol") {
		if side == SideBuy {
			return "USDC", true
		}
		return "TOKEN", true
	}

	return nil, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSE EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════

func extractSuccess(payload map[string]any) bool {
	if v, ok := payload["error"]; ok && truthy(v) {
		return false
	}
	if v, ok := payload["success"]; ok {
		return truthy(v)
	}
	if v, ok := payload["ok"]; ok {
		return truthy(v)
	}
	if status, ok := payload["status"].(string); ok {
		switch strings.ToLower(status) {
		case "success", "succeeded", "confirmed", "completed":
			return true
		case "failed", "error", "rejected":
			return false
		}
	}
	return true
}

func extractError(payload map[string]any) string {
	v, ok := payload["error"]
	if !ok {
		return ""
	}
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return ""
}

func extractTxHash(payload any) string {
	v, ok := extractFirstValue(payload, "txHash", "tx_hash", "signature", "transactionHash", "transaction", "txid", "hash")
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return ""
}

// extractPrice mirrors the normalization cascade: a direct USD price field,
// then SOL spent (whole SOL) against tokens received (raw, scaled by token
// decimals) on buys, or SOL received against tokens sold (both taken as
// given) on sells, then raw in/out amounts scaled by decimals, then a bare
// ratio fallback.
func extractPrice(payload map[string]any, side Side, nativePriceUSD *decimal.Decimal, tokenDecimals int) (decimal.Decimal, bool) {
	if direct, ok := extractFirstDecimal(payload,
		"price", "priceUsd", "price_usd", "executionPrice", "executedPrice", "fillPrice",
		"estimatedPrice", "estimated_price", "expectedPrice", "expected_price",
		"quotePrice", "quote_price", "swapPrice", "swap_price"); ok && direct.IsPositive() {
		return direct, true
	}

	solSpent, hasSolSpent := extractFirstDecimal(payload, "solSpent", "sol_spent")
	tokenReceived, hasTokenReceived := extractFirstDecimal(payload, "tokenReceived", "token_received")
	solReceived, hasSolReceived := extractFirstDecimal(payload, "solReceived", "sol_received")
	tokenSold, hasTokenSold := extractFirstDecimal(payload, "tokenSold", "token_sold")

	if nativePriceUSD != nil && nativePriceUSD.IsPositive() {
		if side == SideBuy && hasSolSpent && hasTokenReceived {
			tokenHuman := tokenReceived.Div(decimal.New(1, int32(tokenDecimals)))
			if tokenHuman.IsPositive() {
				return solSpent.Mul(*nativePriceUSD).Div(tokenHuman), true
			}
		}
		if side == SideSell && hasSolReceived && hasTokenSold {
			if tokenSold.IsPositive() {
				return solReceived.Mul(*nativePriceUSD).Div(tokenSold), true
			}
		}
	}

	inAmount, hasIn := extractFirstDecimal(payload, "inAmount", "inputAmount", "amountIn", "fromAmount", "input_amount", "amount_in")
	outAmount, hasOut := extractFirstDecimal(payload, "outAmount", "outputAmount", "amountOut", "toAmount", "output_amount", "amount_out")
	if !hasIn || !hasOut || !inAmount.IsPositive() || !outAmount.IsPositive() {
		return decimal.Decimal{}, false
	}

	if nativePriceUSD != nil && nativePriceUSD.IsPositive() {
		if side == SideBuy {
			nativeHuman := inAmount.Div(decimal.New(1, nativeDecimals))
			tokenHuman := outAmount.Div(decimal.New(1, int32(tokenDecimals)))
			if tokenHuman.IsPositive() {
				return nativeHuman.Mul(*nativePriceUSD).Div(tokenHuman), true
			}
		} else {
			tokenHuman := inAmount.Div(decimal.New(1, int32(tokenDecimals)))
			nativeHuman := outAmount.Div(decimal.New(1, nativeDecimals))
			if tokenHuman.IsPositive() {
				return nativeHuman.Mul(*nativePriceUSD).Div(tokenHuman), true
			}
		}
	}

	if side == SideBuy {
		return inAmount.Div(outAmount), true
	}
	return outAmount.Div(inAmount), true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func extractFirstDecimal(payload any, keys ...string) (decimal.Decimal, bool) {
	v, ok := extractFirstValue(payload, keys...)
	if !ok {
		return decimal.Decimal{}, false
	}
	return asDecimal(v)
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	default:
		return decimal.Decimal{}, false
	}
}

// extractFirstValue performs a depth-first walk of a JSON-shaped value
// (maps and slices), returning the value of the first key (case
// insensitively) matching any of keys.
func extractFirstValue(payload any, keys ...string) (any, bool) {
	lookup := make(map[string]bool, len(keys))
	for _, k := range keys {
		lookup[strings.ToLower(k)] = true
	}
	return walkFind(payload, lookup)
}

func walkFind(payload any, lookup map[string]bool) (any, bool) {
	switch v := payload.(type) {
	case map[string]any:
		for k, val := range v {
			if lookup[strings.ToLower(k)] {
				return val, true
			}
			if found, ok := walkFind(val, lookup); ok {
				return found, ok
			}
		}
	case []any:
		for _, item := range v {
			if found, ok := walkFind(item, lookup); ok {
				return found, ok
			}
		}
	}
	return nil, false
}
