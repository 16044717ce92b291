package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Enabled:                true,
		MaxConsecutiveFailures: 2,
		MaxConsecutiveLosses:   2,
		MaxDailyLoss:           3.0,
		MaxRecoveriesPerHour:   10,
		CooldownMinutes:        10,
	})
	cb.SetClock(func() time.Time { return *now })
	return cb
}

func TestBreaker_TripsOnConsecutiveOrderFailures(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	cb.RecordOrderFailure("rejected")
	ok, _ := cb.CanOpenRecovery()
	assert.True(t, ok)

	cb.RecordOrderFailure("timeout")
	ok, reason := cb.CanOpenRecovery()
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown remaining")
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(11 * time.Minute)
	ok, _ = cb.CanOpenRecovery()
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// a failed trial re-opens immediately
	cb.RecordOrderFailure("rejected again")
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestBreaker_WinningRecoveryClosesHalfOpen(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	cb.RecordRecoveryResult(-0.5)
	cb.RecordRecoveryResult(-0.5)
	assert.Equal(t, StateOpen, cb.GetState())

	now = now.Add(11 * time.Minute)
	ok, _ := cb.CanOpenRecovery()
	assert.True(t, ok)

	cb.RecordRecoveryResult(0.2)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreaker_DailyLossLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now)

	cb.RecordRecoveryResult(-3.5)
	ok, _ := cb.CanOpenRecovery()
	assert.False(t, ok)

	cb.ForceReset()
	ok, reason := cb.CanOpenRecovery()
	assert.False(t, ok, "daily loss still counts after a manual reset")
	assert.Contains(t, reason, "daily recovery loss")

	now = now.Add(24 * time.Hour)
	ok, _ = cb.CanOpenRecovery()
	assert.True(t, ok)
}

func TestBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Enabled: false, MaxConsecutiveFailures: 1})
	cb.RecordOrderFailure("x")
	ok, _ := cb.CanOpenRecovery()
	assert.True(t, ok)
}
