// Package quote fetches a reference USD price (and, when available,
// liquidity) for a token from the market-data tool surface.
package quote

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dexrunner/strategybot/toolprovider"
)

// ErrNoPools is returned when get_token_pools reports no trading pairs for
// the requested token.
var ErrNoPools = fmt.Errorf("no pools returned for token")

// ErrInvalidPrice is returned when the first pair's priceUsd field is
// missing, non-numeric, or non-positive.
var ErrInvalidPrice = fmt.Errorf("invalid priceUsd in pool response")

// Source fetches reference prices through a market-data Provider.
type Source struct {
	provider toolprovider.Provider
}

// NewSource wraps a market-data Provider.
func NewSource(provider toolprovider.Provider) *Source {
	return &Source{provider: provider}
}

// Result is the outcome of a reference fetch.
type Result struct {
	PriceUSD     decimal.Decimal
	LiquidityUSD *decimal.Decimal
}

// FetchReference calls get_token_pools for (chain, token) and reads the
// first pair's priceUsd and liquidity.usd.
func (s *Source) FetchReference(ctx context.Context, chain, tokenAddress string) (Result, error) {
	out, err := s.provider.Call(ctx, "get_token_pools", map[string]any{
		"chainId":      chain,
		"tokenAddress": tokenAddress,
	})
	if err != nil {
		return Result{}, fmt.Errorf("get_token_pools: %w", err)
	}

	pairsRaw, _ := out["pairs"].([]any)
	if len(pairsRaw) == 0 {
		return Result{}, ErrNoPools
	}
	pair, ok := pairsRaw[0].(map[string]any)
	if !ok {
		return Result{}, ErrNoPools
	}

	price, err := decimalFromAny(pair["priceUsd"])
	if err != nil || !price.IsPositive() {
		return Result{}, ErrInvalidPrice
	}

	result := Result{PriceUSD: price}
	if liqRaw, ok := pair["liquidity"].(map[string]any); ok {
		if usd, err := decimalFromAny(liqRaw["usd"]); err == nil {
			result.LiquidityUSD = &usd
		}
	}
	return result, nil
}

func decimalFromAny(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported numeric type %T", v)
	}
}
