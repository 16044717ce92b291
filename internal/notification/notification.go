// Package notification forwards recovery lifecycle events to chat
// webhooks.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"correlation-recovery-bot/internal/events"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyRecoveryOpened NotificationType = "recovery_opened"
	NotifyRecoveryClosed NotificationType = "recovery_closed"
	NotifyError          NotificationType = "error"
	NotifyInfo           NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewManager creates a new notification manager. Sends beyond one per
// second (burst 5) are dropped.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		logger:    logger.With().Str("component", "Notifications").Logger(),
	}
}

// AddNotifier adds a notification provider; disabled providers are ignored
func (m *Manager) AddNotifier(n Notifier) {
	if n.IsEnabled() {
		m.notifiers = append(m.notifiers, n)
	}
}

// Enabled reports whether any provider is configured
func (m *Manager) Enabled() bool {
	return len(m.notifiers) > 0
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if !m.limiter.Allow() {
		m.logger.Warn().Str("title", notification.Title).Msg("Notification rate limit hit, dropping")
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("Failed to send notification")
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe forwards the bus events operators care about
func (m *Manager) Subscribe(bus *events.EventBus) {
	if !m.Enabled() {
		return
	}
	for _, t := range []events.EventType{
		events.EventRecoveryOpened,
		events.EventRecoveryClosed,
		events.EventInvariantViolation,
		events.EventCircuitBreaker,
		events.EventStrandedLeg,
	} {
		bus.Subscribe(t, m.handleEvent)
	}
}

func (m *Manager) handleEvent(e events.Event) {
	n := FromEvent(e)
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	m.Send(ctx, n)
}

// FromEvent renders a bus event, or nil for events that are not announced
func FromEvent(e events.Event) *Notification {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := e.Data[k].(float64)
		return f
	}

	switch e.Type {
	case events.EventRecoveryOpened:
		return &Notification{
			Type:      NotifyRecoveryOpened,
			Title:     fmt.Sprintf("Recovery opened: %s", str("symbol")),
			Message:   fmt.Sprintf("Hedge %s %s %.2f lots\nCorrelation: %.2f\nKey: %s", str("direction"), str("hedge_symbol"), num("volume"), num("correlation"), str("key")),
			Symbol:    str("symbol"),
			Timestamp: e.Timestamp,
		}
	case events.EventRecoveryClosed:
		return &Notification{
			Type:      NotifyRecoveryClosed,
			Title:     fmt.Sprintf("Recovery closed: %s", str("key")),
			Message:   fmt.Sprintf("Reason: %s\nCombined P&L: %.2f", str("reason"), num("combined_pnl")),
			PnL:       num("combined_pnl"),
			Timestamp: e.Timestamp,
		}
	case events.EventInvariantViolation:
		return &Notification{
			Type:      NotifyError,
			Title:     "Hedge key needs attention",
			Message:   fmt.Sprintf("Key %s moved to ERROR: %s\nReset it once the broker state is checked.", str("key"), str("error")),
			Timestamp: e.Timestamp,
		}
	case events.EventCircuitBreaker:
		if str("action") != "tripped" {
			return nil
		}
		return &Notification{
			Type:      NotifyError,
			Title:     "Circuit breaker tripped",
			Message:   fmt.Sprintf("New recoveries halted: %s", str("reason")),
			Timestamp: e.Timestamp,
		}
	case events.EventStrandedLeg:
		ticket, _ := e.Data["ticket"].(int64)
		return &Notification{
			Type:      NotifyError,
			Title:     fmt.Sprintf("Unmatched recovery leg: %s", str("symbol")),
			Message:   fmt.Sprintf("Ticket %d carries comment %q that names no original position.\nClose it manually.", ticket, str("comment")),
			Symbol:    str("symbol"),
			PnL:       num("profit"),
			Timestamp: e.Timestamp,
		}
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	BaseURL  string // defaults to https://api.telegram.org
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		baseURL:  strings.TrimRight(base, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Type == NotifyError || (notification.Type == NotifyRecoveryClosed && notification.PnL < 0) {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
