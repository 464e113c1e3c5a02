// Package notify delivers trade lifecycle and risk events to external
// channels (Telegram, Discord, ...). Adapted from the teacher's
// internal/notification package: same Notifier/Manager shape, retargeted
// at decimal-denominated trading events instead of float64 ones.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the category of a Notification.
type Kind string

const (
	KindDryRunSignal Kind = "dry_run_signal"
	KindTradeOpen    Kind = "trade_open"
	KindTradeClose   Kind = "trade_close"
	KindKillSwitch   Kind = "kill_switch"
	KindError        Kind = "error"
	KindInfo         Kind = "info"
)

// Notification is a single message to deliver to every enabled
// notifier.
type Notification struct {
	Kind      Kind
	Title     string
	Message   string
	Symbol    string
	Price     decimal.Decimal
	PnL       decimal.Decimal
	Timestamp time.Time
}

// Notifier is a single delivery channel.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled Notifier, tolerating
// individual delivery failures.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

func NewManager() *Manager {
	return &Manager{enabled: true}
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

func (m *Manager) Send(n *Notification) error {
	if !m.enabled {
		return nil
	}
	var lastErr error
	for _, notifier := range m.notifiers {
		if notifier.IsEnabled() {
			if err := notifier.Send(n); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendDryRunSignal announces an HA flip that would have opened a trade
// had dry-run mode been off.
func (m *Manager) SendDryRunSignal(symbol, side string, price decimal.Decimal) error {
	return m.Send(&Notification{
		Kind:      KindDryRunSignal,
		Title:     fmt.Sprintf("[DRY RUN] Signal: %s", symbol),
		Message:   fmt.Sprintf("%s %s @ %s (no order placed, dry_run=true)", side, symbol, price.StringFixed(4)),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
	})
}

// SendTradeOpen announces a filled entry.
func (m *Manager) SendTradeOpen(symbol, side string, price, qty decimal.Decimal) error {
	return m.Send(&Notification{
		Kind:      KindTradeOpen,
		Title:     fmt.Sprintf("Trade opened: %s", symbol),
		Message:   fmt.Sprintf("%s %s @ %s qty=%s", side, symbol, price.StringFixed(4), qty.String()),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC(),
	})
}

// SendTradeClose announces a trade's close with its realized P&L and
// the reason it closed.
func (m *Manager) SendTradeClose(symbol string, exitPrice, pnl decimal.Decimal, reason string) error {
	return m.Send(&Notification{
		Kind:      KindTradeClose,
		Title:     fmt.Sprintf("Trade closed: %s", symbol),
		Message:   fmt.Sprintf("Exit: %s\nP&L: %s\nReason: %s", exitPrice.StringFixed(4), pnl.StringFixed(4), reason),
		Symbol:    symbol,
		Price:     exitPrice,
		PnL:       pnl,
		Timestamp: time.Now().UTC(),
	})
}

// SendKillSwitchTriggered announces an emergency shutdown.
func (m *Manager) SendKillSwitchTriggered(totalBalance, threshold decimal.Decimal) error {
	return m.Send(&Notification{
		Kind: KindKillSwitch,
		Title: "KILL SWITCH TRIGGERED",
		Message: fmt.Sprintf(
			"Total balance: %s\nThreshold: %s\n\nAll positions closed. All orders cancelled.\nBot is PAUSED. Manual restart required.",
			totalBalance.StringFixed(2), threshold.StringFixed(2),
		),
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Kind:      KindError,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// TelegramNotifier sends notifications via the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string     { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool  { return t.enabled }

func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("notify: send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier sends notifications via a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x2ECC71
	if n.Kind == KindError || (n.Kind == KindTradeClose && n.PnL.IsNegative()) || n.Kind == KindKillSwitch {
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}

	if n.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": n.Symbol, "inline": true},
		}
		if !n.Price.IsZero() {
			fields = append(fields, map[string]interface{}{"name": "Price", "value": n.Price.StringFixed(4), "inline": true})
		}
		if !n.PnL.IsZero() {
			fields = append(fields, map[string]interface{}{"name": "P&L", "value": n.PnL.StringFixed(4), "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{"embeds": []map[string]interface{}{embed}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("notify: send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("notify: discord API returned status %d", resp.StatusCode)
	}
	return nil
}
