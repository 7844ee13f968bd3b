package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason explains why a Position was closed.
type CloseReason string

const (
	ReasonStopLoss    CloseReason = "stop_loss"
	ReasonTakeProfit  CloseReason = "take_profit"
	ReasonMaxHoldTime CloseReason = "max_hold_time"
)

// ExecutionAction is buy or sell.
type ExecutionAction string

const (
	ActionBuy  ExecutionAction = "buy"
	ActionSell ExecutionAction = "sell"
)

// SafetyStatus is the categorical outcome of the external safety check.
type SafetyStatus string

const (
	SafetySafe       SafetyStatus = "safe"
	SafetyRisky      SafetyStatus = "risky"
	SafetyDangerous  SafetyStatus = "dangerous"
	SafetyUnverified SafetyStatus = "unverified"
)

// Position is an open or closed trade.
type Position struct {
	ID          int64
	TokenAddr   string // original case preserved
	Symbol      string
	Chain       string // normalized lowercase
	EntryPrice  decimal.Decimal
	Quantity    decimal.Decimal
	NotionalUSD decimal.Decimal
	StopPrice   decimal.Decimal
	TakePrice   decimal.Decimal
	HighPrice   decimal.Decimal
	OpenedAt    time.Time

	Status PositionStatus

	ClosedAt        *time.Time
	ExitPrice       *decimal.Decimal
	RealizedPnLUSD  *decimal.Decimal
	CloseReason     *CloseReason
	DryRun          bool
	MomentumScore   *float64
	DiscoveryReason string
}

// Execution is an append-only record of one trader attempt.
type Execution struct {
	ID           int64
	PositionID   *int64
	TokenAddr    string
	Symbol       string
	Chain        string
	Action       ExecutionAction
	RequestedUSD *decimal.Decimal
	ExecutedPrice *decimal.Decimal
	Quantity     *decimal.Decimal
	TxHash       string
	Success      bool
	Error        string
	MetadataJSON string
	CreatedAt    time.Time
}

// SkipPhaseCounter is the per-(token,chain) admission-control state.
type SkipPhaseCounter struct {
	TokenAddr        string
	Chain            string
	SkipPhases       int
	NegativeSLCount  int
	LastNegativeSLAt *time.Time
	UpdatedAt        time.Time
}

// DiscoveryCandidate is a transient record produced by the discovery pipeline.
type DiscoveryCandidate struct {
	TokenAddr      string
	Symbol         string
	Chain          string
	PriceUSD       decimal.Decimal
	Volume24h      decimal.Decimal
	LiquidityUSD   decimal.Decimal
	MarketCapUSD   decimal.Decimal
	PriceChange24h decimal.Decimal
	SafetyStatus   SafetyStatus
	SafetyScore    float64
	MomentumScore  float64
	Reasoning      string
	BuyDecision    bool
}

// DiscoveryCycleResult summarizes one run_discovery_cycle invocation.
type DiscoveryCycleResult struct {
	Timestamp       time.Time
	CandidatesFound int
	PositionsOpened []Position
	Errors          []string
	Summary         string
}

// ExitCycleResult summarizes one run_exit_checks invocation.
type ExitCycleResult struct {
	Timestamp       time.Time
	PositionsClosed []Position
	Errors          []string
	Summary         string
}
