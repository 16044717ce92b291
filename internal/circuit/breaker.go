package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"correlation-recovery-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Recoveries allowed
	StateOpen     BreakerState = "open"      // New recoveries halted
	StateHalfOpen BreakerState = "half_open" // One trial recovery allowed
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled                bool    `json:"enabled"`
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"` // Failed hedge orders in a row
	MaxConsecutiveLosses   int     `json:"max_consecutive_losses"`   // Losing recovery closes in a row
	MaxDailyLoss           float64 `json:"max_daily_loss"`           // Max daily recovery loss, % of balance
	MaxRecoveriesPerHour   int     `json:"max_recoveries_per_hour"`
	CooldownMinutes        int     `json:"cooldown_minutes"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		MaxConsecutiveLosses:   4,
		MaxDailyLoss:           5.0,
		MaxRecoveriesPerHour:   20,
		CooldownMinutes:        30,
	}
}

// CircuitBreaker stops the monitor from opening new recoveries after
// repeated order failures or losing recoveries. Closing existing recoveries
// is never gated.
type CircuitBreaker struct {
	config              *Config
	state               BreakerState
	consecutiveFailures int
	consecutiveLosses   int
	dailyLoss           float64
	recoveriesThisHour  int
	lastTripTime        time.Time
	hourlyResetTime     time.Time
	dailyResetTime      time.Time
	tripReason          string
	mu                  sync.RWMutex
	bus                 *events.EventBus
	now                 func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	cb.hourlyResetTime = cb.now().Add(time.Hour)
	cb.dailyResetTime = cb.now().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return cb
}

// SetEventBus publishes state changes to bus
func (cb *CircuitBreaker) SetEventBus(bus *events.EventBus) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.bus = bus
}

// SetClock overrides the time source
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.hourlyResetTime = now().Add(time.Hour)
	cb.dailyResetTime = now().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// CanOpenRecovery checks if a new recovery may start
func (cb *CircuitBreaker) CanOpenRecovery() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()

	if cb.state == StateOpen {
		elapsed := cb.now().Sub(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}

		cb.state = StateHalfOpen
		cb.consecutiveFailures = 0
		cb.consecutiveLosses = 0
	}

	if cb.config.MaxDailyLoss > 0 && cb.dailyLoss >= cb.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily recovery loss limit reached: %.2f%% >= %.2f%%",
			cb.dailyLoss, cb.config.MaxDailyLoss)
	}

	if cb.config.MaxRecoveriesPerHour > 0 && cb.recoveriesThisHour >= cb.config.MaxRecoveriesPerHour {
		return false, fmt.Sprintf("hourly recovery limit reached: %d", cb.recoveriesThisHour)
	}

	return true, ""
}

// RecordOrderFailure counts a failed hedge order
func (cb *CircuitBreaker) RecordOrderFailure(reason string) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("trial recovery failed: %s", reason))
		return
	}
	if cb.config.MaxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("consecutive order failures: %d (last: %s)", cb.consecutiveFailures, reason))
	}
}

// RecordOrderSuccess counts a placed hedge order
func (cb *CircuitBreaker) RecordOrderSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()
	cb.consecutiveFailures = 0
	cb.recoveriesThisHour++
}

// RecordRecoveryResult records a closed recovery's combined P&L as a
// percentage of balance
func (cb *CircuitBreaker) RecordRecoveryResult(pnlPercent float64) {
	if !cb.config.Enabled || math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()

	if pnlPercent < 0 {
		cb.consecutiveLosses++
		cb.dailyLoss += -pnlPercent
	} else {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.publish("recovered", "winning_recovery_after_cooldown")
		}
	}

	switch {
	case cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		cb.trip(fmt.Sprintf("consecutive losing recoveries: %d", cb.consecutiveLosses))
	case cb.config.MaxDailyLoss > 0 && cb.dailyLoss >= cb.config.MaxDailyLoss:
		cb.trip(fmt.Sprintf("daily recovery loss: %.2f%%", cb.dailyLoss))
	}
}

// trip opens the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
	cb.publish("tripped", reason)
}

func (cb *CircuitBreaker) publish(action, reason string) {
	cb.bus.Publish(events.Event{
		Type: events.EventCircuitBreaker,
		Data: map[string]interface{}{
			"state":                string(cb.state),
			"action":               action,
			"reason":               reason,
			"consecutive_failures": cb.consecutiveFailures,
			"consecutive_losses":   cb.consecutiveLosses,
			"daily_loss":           cb.dailyLoss,
		},
	})
}

// resetCountersIfNeeded resets time-based counters
func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := cb.now()

	if now.After(cb.hourlyResetTime) {
		cb.recoveriesThisHour = 0
		cb.hourlyResetTime = now.Add(time.Hour)
	}

	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = 0
		cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually closes the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveLosses = 0
	cb.tripReason = ""
	cb.publish("reset", "manual_reset")
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"enabled":              cb.config.Enabled,
		"state":                string(cb.state),
		"consecutive_failures": cb.consecutiveFailures,
		"consecutive_losses":   cb.consecutiveLosses,
		"daily_loss":           cb.dailyLoss,
		"recoveries_this_hour": cb.recoveriesThisHour,
		"trip_reason":          cb.tripReason,
		"last_trip_time":       cb.lastTripTime,
	}
}
