package notify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/dexrunner/strategybot/types"
)

func TestRenderDiscoveryCycle_IncludesOpenedPositionsAndReasoning(t *testing.T) {
	result := types.DiscoveryCycleResult{
		Timestamp:       time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC),
		CandidatesFound: 3,
		PositionsOpened: []types.Position{
			{Symbol: "FOO", EntryPrice: decimal.NewFromFloat(1.5), DiscoveryReason: "strong momentum"},
		},
	}
	out := renderDiscoveryCycle(result)
	assert.Contains(t, out, "Candidates found: *3*")
	assert.Contains(t, out, "FOO: entry $1.500000")
	assert.Contains(t, out, "strong momentum")
}

func TestRenderDiscoveryCycle_ShowsErrorCount(t *testing.T) {
	result := types.DiscoveryCycleResult{
		Timestamp: time.Now(),
		Errors:    []string{"boom", "boom2"},
	}
	out := renderDiscoveryCycle(result)
	assert.Contains(t, out, "2 error(s)")
}

func TestRenderExitCycle_ComputesPercentFromNotional(t *testing.T) {
	pnl := decimal.NewFromFloat(10)
	exit := decimal.NewFromFloat(1.1)
	reason := types.ReasonTakeProfit
	result := types.ExitCycleResult{
		Timestamp: time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC),
		PositionsClosed: []types.Position{
			{
				Symbol:         "FOO",
				EntryPrice:     decimal.NewFromFloat(1.0),
				ExitPrice:      &exit,
				NotionalUSD:    decimal.NewFromFloat(100),
				RealizedPnLUSD: &pnl,
				CloseReason:    &reason,
			},
		},
	}
	out := renderExitCycle(result)
	assert.Contains(t, out, "PnL $10.00")
	assert.Contains(t, out, "+10.0%")
	assert.Contains(t, out, "take_profit")
}

func TestRenderExitCycle_DefaultsUnknownReasonWhenNil(t *testing.T) {
	result := types.ExitCycleResult{
		Timestamp: time.Now(),
		PositionsClosed: []types.Position{
			{Symbol: "FOO", EntryPrice: decimal.NewFromFloat(1), NotionalUSD: decimal.NewFromFloat(100)},
		},
	}
	out := renderExitCycle(result)
	assert.Contains(t, out, "[unknown]")
}
