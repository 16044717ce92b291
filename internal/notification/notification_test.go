package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"correlation-recovery-bot/internal/events"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEvent(t *testing.T) {
	t.Run("recovery closed", func(t *testing.T) {
		n := FromEvent(events.Event{
			Type: events.EventRecoveryClosed,
			Data: map[string]interface{}{"key": "manual:EURUSD", "reason": "max_hold", "combined_pnl": -4.5},
		})
		require.NotNil(t, n)
		assert.Equal(t, NotifyRecoveryClosed, n.Type)
		assert.Contains(t, n.Message, "max_hold")
		assert.Equal(t, -4.5, n.PnL)
	})

	t.Run("breaker reset is not announced", func(t *testing.T) {
		n := FromEvent(events.Event{
			Type: events.EventCircuitBreaker,
			Data: map[string]interface{}{"action": "reset"},
		})
		assert.Nil(t, n)
	})

	t.Run("stranded recovery leg", func(t *testing.T) {
		n := FromEvent(events.Event{
			Type: events.EventStrandedLeg,
			Data: map[string]interface{}{"ticket": int64(901), "symbol": "USDCHF", "comment": "RECOVERY_G1_EURUSD", "profit": -12.0},
		})
		require.NotNil(t, n)
		assert.Equal(t, NotifyError, n.Type)
		assert.Contains(t, n.Message, "901")
		assert.Contains(t, n.Message, "RECOVERY_G1_EURUSD")
		assert.Equal(t, "USDCHF", n.Symbol)
	})

	t.Run("cycle events are not announced", func(t *testing.T) {
		assert.Nil(t, FromEvent(events.Event{Type: events.EventCycleCompleted}))
	})
}

func TestTelegramNotifier(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body map[string]interface{}
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer ts.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", Enabled: true, BaseURL: ts.URL})
	require.True(t, n.IsEnabled())

	err := n.Send(context.Background(), &Notification{Title: "Recovery opened: EURUSD", Message: "Hedge LONG USDCHF"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Contains(t, body["text"], "Recovery opened: EURUSD")
}

func TestDiscordNotifierStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	n := NewDiscordNotifier(DiscordConfig{WebhookURL: ts.URL, Enabled: true})
	err := n.Send(context.Background(), &Notification{Type: NotifyError, Title: "x", Timestamp: time.Now()})
	assert.Error(t, err)
}

func TestManagerSubscribe(t *testing.T) {
	received := make(chan map[string]interface{}, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: ts.URL, Enabled: true}))
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{Enabled: true})) // no token, ignored
	require.True(t, m.Enabled())

	bus := events.NewEventBus()
	m.Subscribe(bus)
	bus.PublishInvariantViolation("triangle_1:EURUSD", assert.AnError)

	select {
	case payload := <-received:
		embeds := payload["embeds"].([]interface{})
		require.Len(t, embeds, 1)
		assert.Equal(t, "Hedge key needs attention", embeds[0].(map[string]interface{})["title"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
