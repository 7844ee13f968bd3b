// Package decision runs the per-candidate agentic buy/no-buy session: a
// bounded tool-calling loop against a chat model, with a deterministic
// heuristic fallback when the model is unavailable, errors, or times out.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dexrunner/strategybot/types"
)

const (
	maxRounds       = 4
	decisionTimeout = 45 * time.Second
)

// SystemPrompt is sent as the session's system instruction. It is fixed:
// the model is never given trader tools, only market-data and safety ones.
const SystemPrompt = `You are an autonomous crypto investment analyst deciding whether to buy a Solana token for a live trading portfolio.

## Your Job
1. Review the candidate data provided.
2. Use the available tools to fetch any additional information you need (deeper pool data, safety re-check, volume trends).
3. Make a definitive buy or no-buy decision.

## Decision Criteria
- Buy if: strong volume surge (volume/liquidity ratio > 1.5), positive price momentum, adequate liquidity (>$25k), safe or only mildly risky safety status.
- No-buy if: negative price momentum, low volume relative to liquidity, dangerous safety risks, or insufficient data to confirm safety.

## CRITICAL: Final Response Format
When you have finished investigating, you MUST end your response with ONLY this JSON block and nothing else after it:
` + "```json" + `
{
  "buy": true,
  "reasoning": "One sentence explaining the decision"
}
` + "```" + `

Use "buy": false to reject. Keep reasoning to one sentence.`

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// Part is either free text or a function call; a model turn can contain
// several parts.
type Part struct {
	Text         string
	FunctionCall *FunctionCall
}

// ChatSession is the only surface this package needs from a concrete LLM
// integration: a stateful multi-turn exchange that accepts a slice of
// parts (a user message, or a batch of function responses) and returns
// the model's next turn.
type ChatSession interface {
	SendMessage(ctx context.Context, parts []Part) ([]Part, error)
}

// ToolInvoker executes one resolved function call against whatever
// market-data/safety tool surface it names, and renders the result as the
// string fed back to the model.
type ToolInvoker func(ctx context.Context, call FunctionCall) string

// BuildInitialMessage renders the candidate snapshot handed to the model
// at the start of a decision session.
func BuildInitialMessage(c types.DiscoveryCandidate) string {
	safety := string(c.SafetyStatus)
	if c.SafetyScore > 0 {
		safety = fmt.Sprintf("%s (score %.0f)", safety, c.SafetyScore)
	}
	f, _ := c.PriceUSD.Float64()
	vol, _ := c.Volume24h.Float64()
	liq, _ := c.LiquidityUSD.Float64()
	mcap, _ := c.MarketCapUSD.Float64()
	chg, _ := c.PriceChange24h.Float64()

	return fmt.Sprintf(
		"Should I buy %s (%s) on %s?\n\nCurrent data:\n- Price: $%v\n- 24h Volume: $%.0f\n- Liquidity: $%.0f\n- Market Cap: $%.0f\n- 24h Price Change: %+.2f%%\n- Safety: %s",
		c.Symbol, c.TokenAddr, c.Chain, f, vol, liq, mcap, chg, safety,
	)
}

// HeuristicScore is the deterministic fallback used whenever the model is
// unavailable: volume/liquidity ratio, price momentum, liquidity depth,
// and safety status each contribute to a 0-100 score.
func HeuristicScore(c types.DiscoveryCandidate) float64 {
	score := 0.0

	liq, _ := c.LiquidityUSD.Float64()
	vol, _ := c.Volume24h.Float64()
	chg, _ := c.PriceChange24h.Float64()

	if liq > 0 {
		ratio := vol / liq
		score += minF(30.0, ratio*10)
	}
	if chg > 0 {
		score += minF(30.0, chg)
	}
	switch {
	case liq >= 50000:
		score += 20.0
	case liq >= 10000:
		score += 10.0
	}
	switch c.SafetyStatus {
	case types.SafetySafe:
		score += 20.0
	case types.SafetyRisky, types.SafetyUnverified:
		score += 10.0
	}
	return minF(100.0, score)
}

// Decide runs the bounded agentic loop under a 45-second timeout, falling
// back to the heuristic score when the session cannot be created, a model
// call errors, or the timeout expires. A model reply with no parseable
// decision is not an error: it yields a conservative skip (false).
// newSession builds a fresh session scoped to one candidate.
func Decide(ctx context.Context, newSession func() (ChatSession, error), invoke ToolInvoker, candidate types.DiscoveryCandidate, minMomentumScore float64) (bool, string) {
	buy, reasoning, err := decideWithTimeout(ctx, newSession, invoke, candidate)
	if err == nil {
		return buy, reasoning
	}

	log.Warn().Str("symbol", candidate.Symbol).Err(err).Msg("AI decision unavailable — using heuristic fallback")
	score := HeuristicScore(candidate)
	approved := score >= minMomentumScore
	verdict := "skip"
	if approved {
		verdict = "buy"
	}
	return approved, fmt.Sprintf("Heuristic fallback (score=%.0f): %s", score, verdict)
}

func decideWithTimeout(ctx context.Context, newSession func() (ChatSession, error), invoke ToolInvoker, candidate types.DiscoveryCandidate) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, decisionTimeout)
	defer cancel()

	session, err := newSession()
	if err != nil {
		return false, "", fmt.Errorf("create decision session: %w", err)
	}

	turn, err := session.SendMessage(ctx, []Part{{Text: BuildInitialMessage(candidate)}})
	if err != nil {
		return false, "", fmt.Errorf("send initial message: %w", err)
	}

	for round := 0; round < maxRounds; round++ {
		var calls []FunctionCall
		var text strings.Builder
		for _, p := range turn {
			if p.FunctionCall != nil {
				calls = append(calls, *p.FunctionCall)
			} else {
				text.WriteString(p.Text)
			}
		}

		if len(calls) == 0 {
			return parseDecision(text.String())
		}

		responses := make([]Part, len(calls))
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				result := invoke(gctx, call)
				responses[i] = Part{Text: result}
				log.Debug().Str("tool", call.Name).Interface("args", call.Args).Str("result", truncate(result, 120)).Msg("decision loop tool call")
				return nil
			})
		}
		_ = g.Wait()

		turn, err = session.SendMessage(ctx, responses)
		if err != nil {
			return false, "", fmt.Errorf("send tool responses: %w", err)
		}
	}

	var text strings.Builder
	for _, p := range turn {
		text.WriteString(p.Text)
	}
	return parseDecision(text.String())
}

var decisionBlockRE = regexp.MustCompile(`(?s)\{[^{}]*"buy"[^{}]*\}`)

// parseDecision extracts the last well-formed {"buy": ..., "reasoning": ...}
// block in the model's text, falling back to a bare-keyword scan and
// finally a conservative skip when nothing parses.
func parseDecision(text string) (bool, string, error) {
	matches := decisionBlockRE.FindAllString(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var parsed struct {
			Buy       bool   `json:"buy"`
			Reasoning string `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(matches[i]), &parsed); err == nil {
			return parsed.Buy, strings.TrimSpace(parsed.Reasoning), nil
		}
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, `"buy": true`) || strings.Contains(lower, `"buy":true`) {
		return true, "Decision: buy (parsed from text)", nil
	}
	if strings.Contains(lower, `"buy": false`) || strings.Contains(lower, `"buy":false`) {
		return false, "Decision: skip (parsed from text)", nil
	}

	return false, "AI response unparseable — conservative skip", nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
