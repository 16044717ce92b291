package config

import (
	"fmt"
	"sort"
	"strings"
)

// ConfigurationError reports a malformed setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the whole configuration
func (c *Config) Validate() error {
	if c.Mode != "paper" {
		return invalid("mode", "unsupported broker mode %q", c.Mode)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return invalid("server.port", "must be 1-65535, got %d", c.Server.Port)
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 16 && !c.Vault.Enabled {
		return invalid("auth.jwt_secret", "must be at least 16 characters when auth is enabled")
	}
	if c.Broker.Paper.InitialBalance <= 0 {
		return invalid("broker.paper.initial_balance", "must be positive")
	}
	for i, p := range c.Broker.Paper.Positions {
		field := fmt.Sprintf("broker.paper.positions[%d]", i)
		if !isCurrencyPair(p.Symbol) {
			return invalid(field, "malformed symbol %q", p.Symbol)
		}
		if p.Direction != "LONG" && p.Direction != "SHORT" {
			return invalid(field, "direction must be LONG or SHORT, got %q", p.Direction)
		}
		if p.Volume <= 0 {
			return invalid(field, "volume must be positive")
		}
	}
	return c.Recovery.Validate()
}

// Validate checks every threshold and the tier table
func (r *RecoveryConfig) Validate() error {
	switch {
	case r.LossPct < 0 || r.LossPct >= 1:
		return invalid("recovery.loss_pct", "must be in [0, 1), got %v", r.LossPct)
	case r.LossUSD < 0:
		return invalid("recovery.loss_usd", "must be non-negative, got %v", r.LossUSD)
	case r.LossPct == 0 && r.LossUSD == 0:
		return invalid("recovery.loss_pct", "at least one loss threshold must be set")
	case r.MinCorrelation <= 0 || r.MinCorrelation > 1:
		return invalid("recovery.min_correlation", "must be in (0, 1], got %v", r.MinCorrelation)
	case r.MaxUsagePerSymbol < 0:
		return invalid("recovery.max_usage_per_symbol", "must be non-negative")
	case r.MaxSpreadPips < 0:
		return invalid("recovery.max_spread_pips", "must be non-negative")
	case r.HedgeMultiplier <= 0:
		return invalid("recovery.hedge_multiplier", "must be positive, got %v", r.HedgeMultiplier)
	case r.LegCount < 1:
		return invalid("recovery.leg_count", "must be at least 1")
	case r.MinLot <= 0 || r.LotStep <= 0:
		return invalid("recovery.min_lot", "min lot and lot step must be positive")
	case r.MaxHedgeLot < r.MinLot:
		return invalid("recovery.max_hedge_lot", "must be at least min_lot")
	case r.ContractSize <= 0:
		return invalid("recovery.contract_size", "must be positive")
	case len(r.AccountCurrency) != 3:
		return invalid("recovery.account_currency", "must be a three-letter currency code")
	case r.CheckInterval.Duration <= 0:
		return invalid("recovery.check_interval", "must be positive")
	case r.Cooldown.Duration < 0:
		return invalid("recovery.cooldown", "must be non-negative")
	case r.BrokerTimeout.Duration <= 0:
		return invalid("recovery.broker_timeout", "must be positive")
	case r.MaxHold.Duration <= 0:
		return invalid("recovery.max_hold", "must be positive")
	case r.CorrelationTTL.Duration <= 0:
		return invalid("recovery.correlation_ttl", "must be positive")
	case r.StaleLockAge.Duration <= r.BrokerTimeout.Duration:
		return invalid("recovery.stale_lock_age", "must exceed broker_timeout")
	case r.ShutdownGrace.Duration < 0:
		return invalid("recovery.shutdown_grace", "must be non-negative")
	case r.HistoricalBars < 2 || r.MinSamples < 2:
		return invalid("recovery.historical_bars", "historical_bars and min_samples must be at least 2")
	case r.Weights.Correlation < 0 || r.Weights.Spread < 0 || r.Weights.Repetition < 0:
		return invalid("recovery.weights", "must be non-negative")
	case len(r.TradableSymbols) == 0:
		return invalid("recovery.tradable_symbols", "must not be empty")
	}

	switch r.HistoricalTimeframe {
	case "M1", "M5", "H1", "D1":
	default:
		return invalid("recovery.historical_timeframe", "unsupported timeframe %q", r.HistoricalTimeframe)
	}

	for _, s := range r.TradableSymbols {
		if !isCurrencyPair(s) {
			return invalid("recovery.tradable_symbols", "malformed symbol %q", s)
		}
	}
	return validateTiers(r.Tiers, r.MinLot)
}

func validateTiers(tiers []TierConfig, minLot float64) error {
	if len(tiers) == 0 {
		return invalid("recovery.tiers", "at least one tier is required")
	}
	sorted := append([]TierConfig(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinBalance < sorted[j].MinBalance })

	for i, t := range sorted {
		field := fmt.Sprintf("recovery.tiers[%s]", t.Name)
		switch {
		case t.Name == "":
			return invalid("recovery.tiers", "tier %d has no name", i)
		case t.MinBalance < 0:
			return invalid(field, "min_balance must be non-negative")
		case t.MaxBalance != 0 && t.MaxBalance <= t.MinBalance:
			return invalid(field, "max_balance must exceed min_balance")
		case t.RiskFraction <= 0 || t.RiskFraction > 0.1:
			return invalid(field, "risk_fraction must be in (0, 0.1], got %v", t.RiskFraction)
		case t.MaxLot < minLot:
			return invalid(field, "max_lot %v below min_lot %v", t.MaxLot, minLot)
		}
		if i == len(sorted)-1 {
			break
		}
		next := sorted[i+1]
		if t.MaxBalance == 0 {
			return invalid(field, "only the highest tier may be unbounded")
		}
		if t.MaxBalance > next.MinBalance {
			return invalid(field, "overlaps tier %s", next.Name)
		}
	}
	return nil
}

func isCurrencyPair(s string) bool {
	if len(s) != 6 || strings.ToUpper(s) != s {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
