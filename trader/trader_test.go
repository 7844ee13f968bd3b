package trader

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrunner/strategybot/toolprovider"
)

type fakeProvider struct {
	tools    []toolprovider.ToolSpec
	response map[string]any
	err      error
	lastArgs map[string]any
	lastName string
}

func (f *fakeProvider) Tools() []toolprovider.ToolSpec { return f.tools }
func (f *fakeProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	f.lastName, f.lastArgs = name, args
	return f.response, f.err
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestExecuteTrade_DryRunNeverCallsProvider(t *testing.T) {
	p := &fakeProvider{}
	svc := NewService(p, nil, "solana", 100, "", "", "")

	quote := &Quote{Price: dec("2.50")}
	exec, err := svc.ExecuteTrade(context.Background(), "tok1", dec("0.50"), SideBuy, nil, true, quote, decPtr("200"), ptrInt(6))
	require.NoError(t, err)

	assert.True(t, exec.Success)
	assert.Empty(t, exec.TxHash)
	require.NotNil(t, exec.ExecutedPrice)
	assert.True(t, exec.ExecutedPrice.Equal(dec("2.50")))
	require.NotNil(t, exec.QuantityToken)
	assert.True(t, exec.QuantityToken.Equal(dec("0.2")), "0.50/2.50 should be 0.2, got %s", exec.QuantityToken)
	assert.Nil(t, p.lastArgs, "dry run must never call the provider")
}

func TestExecuteTrade_LiveSuccessWithoutTxHashBecomesFailure(t *testing.T) {
	p := &fakeProvider{
		tools: []toolprovider.ToolSpec{
			{Name: "get_quote"},
			{Name: "execute_trade", Properties: map[string]any{"token_address": nil}, Required: []string{"token_address"}},
		},
		response: map[string]any{"status": "success"},
	}
	svc := NewService(p, nil, "solana", 100, "", "execute_trade", "")

	exec, err := svc.ExecuteTrade(context.Background(), "tok1", dec("10"), SideSell, decPtr("5"), false, nil, decPtr("200"), ptrInt(6))
	require.NoError(t, err)

	assert.False(t, exec.Success, "a live response with no tx hash must never count as success")
	assert.Equal(t, "No transaction hash in trader response", exec.Error)
}

func TestExtractPrice_SixDecimalTokenBuyScenario(t *testing.T) {
	// S6: 6-decimal token, SOL = $200, trader reports raw solSpent/tokenReceived.
	payload := map[string]any{
		"solSpent":      0.0025,
		"tokenReceived": "200000",
	}
	native := decPtr("200")
	price, ok := extractPrice(payload, SideBuy, native, 6)
	require.True(t, ok)
	assert.True(t, price.Equal(dec("2.5")), "expected 2.5, got %s", price)
}

func TestExtractPrice_PrefersDirectUSDFieldOverDerivation(t *testing.T) {
	payload := map[string]any{"priceUsd": "3.14", "inAmount": 1000, "outAmount": 1}
	price, ok := extractPrice(payload, SideBuy, nil, 9)
	require.True(t, ok)
	assert.True(t, price.Equal(dec("3.14")))
}

func TestExtractSuccess_ErrorFieldForcesFailure(t *testing.T) {
	payload := map[string]any{"success": true, "error": "slippage exceeded"}
	assert.False(t, extractSuccess(payload))
}

func TestExtractSuccess_StatusStringDiscriminates(t *testing.T) {
	assert.True(t, extractSuccess(map[string]any{"status": "confirmed"}))
	assert.False(t, extractSuccess(map[string]any{"status": "rejected"}))
}

func TestValueForParam_TokenishRoutingByBuySell(t *testing.T) {
	svc := NewService(nil, nil, "solana", 50, "", "", "")

	v, ok := svc.valueForParam("inputMint", "TOKEN_ADDR", dec("10"), SideBuy, nil, nil, nil, 6)
	require.True(t, ok)
	assert.Equal(t, "So11111111111111111111111111111111111111112", v)

	v, ok = svc.valueForParam("outputMint", "TOKEN_ADDR", dec("10"), SideBuy, nil, nil, nil, 6)
	require.True(t, ok)
	assert.Equal(t, "TOKEN_ADDR", v)

	v, ok = svc.valueForParam("inputMint", "TOKEN_ADDR", dec("10"), SideSell, nil, nil, nil, 6)
	require.True(t, ok)
	assert.Equal(t, "TOKEN_ADDR", v)
}

func TestValueForParam_SlippageBpsVsPct(t *testing.T) {
	svc := NewService(nil, nil, "solana", 250, "", "", "")

	v, ok := svc.valueForParam("slippageBps", "tok", dec("10"), SideBuy, nil, nil, nil, 6)
	require.True(t, ok)
	assert.Equal(t, 250, v)

	v, ok = svc.valueForParam("slippagePct", "tok", dec("10"), SideBuy, nil, nil, nil, 6)
	require.True(t, ok)
	assert.InDelta(t, 2.5, v.(float64), 0.0001)
}

func TestValueForParam_UnresolvableKeyReturnsNotFound(t *testing.T) {
	svc := NewService(nil, nil, "solana", 50, "", "", "")
	_, ok := svc.valueForParam("someUnknownField", "tok", dec("10"), SideBuy, nil, nil, nil, 6)
	assert.False(t, ok)
}

func ptrInt(i int) *int { return &i }
