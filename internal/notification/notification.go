// Package notification delivers best-effort outbound messages. Delivery
// failures are logged and swallowed: the controller never treats a failed
// notification as a trading error.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
)

const (
	// DefaultAlertCooldown gates repeated alerts per category.
	DefaultAlertCooldown = 10 * time.Minute
	// heartbeatInterval gates the hourly heartbeat.
	heartbeatInterval = time.Hour
)

// Sender delivers one rendered message to a provider.
type Sender interface {
	Send(text string) error
	Name() string
}

// Manager owns the cooldown table and fans messages out to providers.
// Safe for concurrent use and shareable across controllers.
type Manager struct {
	senders []Sender
	enabled bool
	logger  zerolog.Logger

	mu            sync.Mutex
	lastAlert     map[string]time.Time // category -> last delivery
	lastHeartbeat time.Time
	cooldown      time.Duration

	now func() time.Time
}

// NewManager builds a manager from configuration. With no providers
// configured every send becomes a no-op.
func NewManager(cfg config.NotificationConfig) *Manager {
	m := &Manager{
		enabled:   cfg.Enabled,
		logger:    logging.WithComponent("notification"),
		lastAlert: make(map[string]time.Time),
		cooldown:  DefaultAlertCooldown,
		now:       time.Now,
	}
	if cfg.Telegram.Enabled {
		m.senders = append(m.senders, NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	return m
}

// AddSender registers an extra provider.
func (m *Manager) AddSender(s Sender) {
	m.senders = append(m.senders, s)
}

func (m *Manager) deliver(text string) {
	if !m.enabled || len(m.senders) == 0 {
		return
	}
	for _, s := range m.senders {
		if err := s.Send(text); err != nil {
			m.logger.Warn().Err(err).Str("provider", s.Name()).Msg("notification delivery failed")
		}
	}
}

// SendStartup announces a controller coming up.
func (m *Manager) SendStartup(mode string, symbols []string, timeframe string, equity float64) {
	m.deliver(fmt.Sprintf("🚀 *BiGe 7x started* (%s)\nSymbols: %s\nTimeframe: %s\nEquity: %.2f USDT",
		mode, strings.Join(symbols, ", "), timeframe, equity))
}

// ShutdownTotals is the final tally attached to the shutdown message.
type ShutdownTotals struct {
	Runtime     time.Duration
	TotalTrades int
	WinTrades   int
	TotalPnLPct float64
}

// SendShutdown announces a clean exit with run totals.
func (m *Manager) SendShutdown(t ShutdownTotals) {
	winRate := 0.0
	if t.TotalTrades > 0 {
		winRate = float64(t.WinTrades) / float64(t.TotalTrades) * 100
	}
	m.deliver(fmt.Sprintf("🛑 *BiGe 7x stopped*\nRuntime: %s\nTrades: %d (win %.1f%%)\nTotal PnL: %+.2f%%",
		t.Runtime.Round(time.Second), t.TotalTrades, winRate, t.TotalPnLPct))
}

// SendHeartbeat is time-gated to once per hour per process.
func (m *Manager) SendHeartbeat(status string) {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastHeartbeat) < heartbeatInterval {
		m.mu.Unlock()
		return
	}
	m.lastHeartbeat = now
	m.mu.Unlock()

	m.deliver("💓 *Heartbeat*\n" + status)
}

// SendEntry announces a filled opening order.
func (m *Manager) SendEntry(symbol, side string, qty, price, stopLoss float64) {
	emoji := "🟢"
	if side == "SHORT" {
		emoji = "🔴"
	}
	m.deliver(fmt.Sprintf("%s *Entry %s %s*\nQty: %.6f @ %.4f\nStop: %.4f", emoji, side, symbol, qty, price, stopLoss))
}

// SendExit announces a closed position.
func (m *Manager) SendExit(symbol, side string, entryPrice, exitPrice, pnlPct float64, reason string) {
	emoji := "✅"
	if pnlPct < 0 {
		emoji = "❌"
	}
	m.deliver(fmt.Sprintf("%s *Exit %s %s*\nEntry %.4f → Exit %.4f\nPnL: %+.2f%%\nReason: %s",
		emoji, side, symbol, entryPrice, exitPrice, pnlPct, reason))
}

// SendAdd announces a filled scale-in.
func (m *Manager) SendAdd(symbol, side string, qty, price float64, addCount, maxAdd int) {
	m.deliver(fmt.Sprintf("➕ *Add %s %s*\nQty: %.6f @ %.4f\nAdd %d/%d", side, symbol, qty, price, addCount, maxAdd))
}

// SendDailyReport emits the once-per-day summary. Calendar gating lives
// in the controller; this only renders and delivers.
func (m *Manager) SendDailyReport(date string, startEquity, equity float64, trades, wins int) {
	pnlPct := 0.0
	if startEquity > 0 {
		pnlPct = (equity - startEquity) / startEquity * 100
	}
	m.deliver(fmt.Sprintf("📊 *Daily report %s*\nEquity: %.2f → %.2f (%+.2f%%)\nTrades today: %d (wins %d)",
		date, startEquity, equity, pnlPct, trades, wins))
}

// SendAlert is category-gated: a second alert in the same category inside
// the cooldown window is dropped silently, no queueing.
func (m *Manager) SendAlert(category, body string) {
	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastAlert[category]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[category] = now
	m.mu.Unlock()

	m.deliver(fmt.Sprintf("⚠️ *%s*\n%s", category, body))
}

// =============================================================================
// TELEGRAM SENDER
// =============================================================================

// TelegramSender posts Markdown messages to a chat.
type TelegramSender struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramSender creates a Telegram provider.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(text string) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
