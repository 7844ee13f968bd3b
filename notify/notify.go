// Package notify renders cycle summaries and operator alerts to Telegram,
// and answers a small set of read-only status commands.
package notify

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrunner/strategybot/types"
)

// Notifier is the outbound notification surface the strategy engine and
// scheduler push cycle results and alerts through.
type Notifier interface {
	NotifyDiscoveryCycle(result types.DiscoveryCycleResult)
	NotifyExitCycle(result types.ExitCycleResult)
	NotifyStuckPosition(message string)
	NotifyStartup(chain string, dryRun bool)
	NotifyError(err error)
}

// StatsProvider backs the read-only status commands.
type StatsProvider interface {
	ListOpenPositions(chain string) ([]types.Position, error)
	GetDailyPnL(day time.Time) (decimal.Decimal, error)
	CountOpenPositions(chain string) (int64, error)
}

// TelegramNotifier sends cycle summaries and alerts to one configured chat,
// and serves /status, /positions, /pnl on demand.
type TelegramNotifier struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	chain string
	stats StatsProvider
}

// NewTelegramNotifier builds a notifier from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID. chain scopes the status commands to one chain.
func NewTelegramNotifier(chain string, stats StatsProvider) (*TelegramNotifier, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}

	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("📱 Telegram notifier initialized")

	return &TelegramNotifier{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		chain:  chain,
		stats:  stats,
	}, nil
}

// Start begins listening for /status /positions /pnl commands.
func (n *TelegramNotifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	go n.commandLoop()
	log.Info().Msg("📱 Telegram notifier command listener started")
}

// Stop terminates the command listener.
func (n *TelegramNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyDiscoveryCycle renders the discovery cycle summary. It is a no-op
// when nothing interesting happened (no positions opened, no errors).
func (n *TelegramNotifier) NotifyDiscoveryCycle(result types.DiscoveryCycleResult) {
	if len(result.PositionsOpened) == 0 && len(result.Errors) == 0 {
		return
	}
	n.sendMarkdown(renderDiscoveryCycle(result))
}

// NotifyExitCycle renders the exit-check cycle summary. It is a no-op when
// nothing closed and nothing errored.
func (n *TelegramNotifier) NotifyExitCycle(result types.ExitCycleResult) {
	if len(result.PositionsClosed) == 0 && len(result.Errors) == 0 {
		return
	}
	n.sendMarkdown(renderExitCycle(result))
}

func renderDiscoveryCycle(result types.DiscoveryCycleResult) string {
	lines := []string{
		"📈 *Portfolio Discovery*",
		fmt.Sprintf("⏰ %s", result.Timestamp.Format("2006-01-02 15:04 UTC")),
		fmt.Sprintf("🔍 Candidates found: *%d*", result.CandidatesFound),
		"",
	}

	if len(result.PositionsOpened) > 0 {
		lines = append(lines, "🟢 *New Positions*")
		for _, pos := range result.PositionsOpened {
			lines = append(lines, fmt.Sprintf("• %s: entry $%s", pos.Symbol, pos.EntryPrice.StringFixed(6)))
			if pos.DiscoveryReason != "" {
				lines = append(lines, fmt.Sprintf("  💬 %s", pos.DiscoveryReason))
			}
		}
		lines = append(lines, "")
	}

	if len(result.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("⚠️ %d error(s)", len(result.Errors)))
	}

	return strings.Join(lines, "\n")
}

func renderExitCycle(result types.ExitCycleResult) string {
	lines := []string{
		"📉 *Portfolio Exit Check*",
		fmt.Sprintf("⏰ %s", result.Timestamp.Format("2006-01-02 15:04 UTC")),
		"",
	}

	if len(result.PositionsClosed) > 0 {
		lines = append(lines, "🔴 *Closed Positions*")
		for _, pos := range result.PositionsClosed {
			pnl := decimal.Zero
			if pos.RealizedPnLUSD != nil {
				pnl = *pos.RealizedPnLUSD
			}
			pct := decimal.Zero
			if pos.NotionalUSD.IsPositive() {
				pct = pnl.Div(pos.NotionalUSD).Mul(decimal.NewFromInt(100))
			}
			reason := "unknown"
			if pos.CloseReason != nil {
				reason = string(*pos.CloseReason)
			}
			exitPrice := decimal.Zero
			if pos.ExitPrice != nil {
				exitPrice = *pos.ExitPrice
			}
			lines = append(lines, fmt.Sprintf("• %s: $%s → $%s PnL $%s (%+.1f%%) [%s]",
				pos.Symbol, pos.EntryPrice.StringFixed(6), exitPrice.StringFixed(6),
				pnl.StringFixed(2), pctFloat(pct), reason))
		}
		lines = append(lines, "")
	}

	if len(result.Errors) > 0 {
		lines = append(lines, fmt.Sprintf("⚠️ %d error(s)", len(result.Errors)))
	}

	return strings.Join(lines, "\n")
}

// NotifyStuckPosition sends an operator alert about one position with the
// caller's message text; the strategy engine's alert hook delivers both its
// stuck-position and repeated-sell-failure alerts through it.
func (n *TelegramNotifier) NotifyStuckPosition(message string) {
	n.sendMarkdown(fmt.Sprintf("🚨 *Stuck Position*\n\n%s", message))
}

// NotifyStartup announces the bot coming online.
func (n *TelegramNotifier) NotifyStartup(chain string, dryRun bool) {
	mode := "LIVE"
	if dryRun {
		mode = "PAPER"
	}
	msg := fmt.Sprintf(`🚀 *STRATEGY BOT STARTED*
━━━━━━━━━━━━━━━━━━━━

⛓️ Chain: *%s*
📊 Mode: *%s*

Use /status /positions /pnl`, chain, mode)
	n.sendMarkdown(msg)
}

// NotifyError sends an ad-hoc error alert.
func (n *TelegramNotifier) NotifyError(err error) {
	n.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

func pctFloat(pct decimal.Decimal) float64 {
	f, _ := pct.Float64()
	return f
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (n *TelegramNotifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case <-n.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != n.chatID {
				continue
			}
			n.handleCommand(update.Message)
		}
	}
}

func (n *TelegramNotifier) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		n.send("🤖 Commands: /status /positions /pnl")
	case "status":
		n.cmdStatus()
	case "positions":
		n.cmdPositions()
	case "pnl":
		n.cmdPnL()
	default:
		n.send("❓ Unknown command. Use /help")
	}
}

func (n *TelegramNotifier) cmdStatus() {
	if n.stats == nil {
		n.send("❌ Status not available")
		return
	}
	openCount, err := n.stats.CountOpenPositions(n.chain)
	if err != nil {
		n.send("❌ Failed to fetch status")
		return
	}
	n.send(fmt.Sprintf("🟢 Running | chain: %s | open positions: %d", n.chain, openCount))
}

func (n *TelegramNotifier) cmdPositions() {
	if n.stats == nil {
		n.send("❌ Positions not available")
		return
	}
	positions, err := n.stats.ListOpenPositions(n.chain)
	if err != nil {
		n.send("❌ Failed to fetch positions")
		return
	}
	if len(positions) == 0 {
		n.send("📭 No open positions")
		return
	}

	var b strings.Builder
	b.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, pos := range positions {
		duration := time.Since(pos.OpenedAt).Round(time.Second)
		fmt.Fprintf(&b, "• %s: entry $%s stop $%s take $%s (%v)\n",
			pos.Symbol, pos.EntryPrice.StringFixed(6), pos.StopPrice.StringFixed(6), pos.TakePrice.StringFixed(6), duration)
	}
	n.sendMarkdown(b.String())
}

func (n *TelegramNotifier) cmdPnL() {
	if n.stats == nil {
		n.send("❌ PnL not available")
		return
	}
	pnl, err := n.stats.GetDailyPnL(time.Now().UTC())
	if err != nil {
		n.send("❌ Failed to fetch PnL")
		return
	}
	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}
	n.send(fmt.Sprintf("💰 Today's realized PnL: %s$%s", sign, pnl.StringFixed(2)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (n *TelegramNotifier) send(text string) {
	if _, err := n.api.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		log.Error().Err(err).Msg("failed to send Telegram message")
	}
}

func (n *TelegramNotifier) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send Telegram message")
	}
}
