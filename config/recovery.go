package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads "90s"-style strings or
// nanosecond numbers from JSON
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// TierConfig is one balance bracket. MaxBalance of zero means unbounded.
type TierConfig struct {
	Name         string  `json:"name"`
	MinBalance   float64 `json:"min_balance"`
	MaxBalance   float64 `json:"max_balance"`
	RiskFraction float64 `json:"risk_fraction"`
	MaxLot       float64 `json:"max_lot"`
}

// ScoreWeights weigh the candidate score terms
type ScoreWeights struct {
	Correlation float64 `json:"correlation"`
	Spread      float64 `json:"spread"`
	Repetition  float64 `json:"repetition"`
}

// RecoveryConfig is the single set of thresholds every recovery component
// is built from. It is not modified after Load.
type RecoveryConfig struct {
	// Loss detection; both are magnitudes compared against negative P&L.
	// Zero disables the check.
	LossPct float64 `json:"loss_pct"` // fraction of balance, 0.005 = 0.5%
	LossUSD float64 `json:"loss_usd"`

	// Candidate selection
	MinCorrelation    float64      `json:"min_correlation"`
	MaxUsagePerSymbol int          `json:"max_usage_per_symbol"`
	MaxSpreadPips     float64      `json:"max_spread_pips"`
	Weights           ScoreWeights `json:"weights"`
	TradableSymbols   []string     `json:"tradable_symbols"`

	// Sizing
	HedgeMultiplier float64      `json:"hedge_multiplier"`
	LegCount        int          `json:"leg_count"`
	MinLot          float64      `json:"min_lot"`
	LotStep         float64      `json:"lot_step"`
	MaxHedgeLot     float64      `json:"max_hedge_lot"`
	ContractSize    float64      `json:"contract_size"`
	AccountCurrency string       `json:"account_currency"`
	Tiers           []TierConfig `json:"tiers"`

	// Correlation resolution
	CorrelationTTL      Duration `json:"correlation_ttl"`
	HistoricalTimeframe string   `json:"historical_timeframe"`
	HistoricalBars      int      `json:"historical_bars"`
	MinSamples          int      `json:"min_samples"`
	TickWindow          int      `json:"tick_window"`

	// Exit rules
	ProfitTarget float64  `json:"profit_target"` // combined P&L in account currency
	MaxHold      Duration `json:"max_hold"`

	// Scheduling
	CheckInterval Duration `json:"check_interval"`
	Cooldown      Duration `json:"cooldown"`
	BrokerTimeout Duration `json:"broker_timeout"`
	ShutdownGrace Duration `json:"shutdown_grace"`
	StaleLockAge  Duration `json:"stale_lock_age"`

	BaseMagic int `json:"base_magic"`
}

// DefaultRecoveryConfig returns the stock thresholds
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		LossPct:           0.005,
		LossUSD:           50,
		MinCorrelation:    0.6,
		MaxUsagePerSymbol: 3,
		MaxSpreadPips:     5,
		Weights:           ScoreWeights{Correlation: 1.0, Spread: 0.2, Repetition: 0.3},
		TradableSymbols: []string{
			"EURUSD", "GBPUSD", "AUDUSD", "NZDUSD", "USDCHF", "USDJPY", "USDCAD",
			"EURGBP", "EURJPY", "GBPJPY", "AUDJPY", "EURCHF",
		},
		HedgeMultiplier:     1.2,
		LegCount:            3,
		MinLot:              0.01,
		LotStep:             0.01,
		MaxHedgeLot:         5.0,
		ContractSize:        100000,
		AccountCurrency:     "USD",
		Tiers:               DefaultTiers(),
		CorrelationTTL:      Duration{15 * time.Minute},
		HistoricalTimeframe: "H1",
		HistoricalBars:      720,
		MinSamples:          10,
		TickWindow:          200,
		ProfitTarget:        0,
		MaxHold:             Duration{24 * time.Hour},
		CheckInterval:       Duration{5 * time.Second},
		Cooldown:            Duration{30 * time.Second},
		BrokerTimeout:       Duration{10 * time.Second},
		ShutdownGrace:       Duration{15 * time.Second},
		StaleLockAge:        Duration{time.Hour},
		BaseMagic:           234000,
	}
}

// DefaultTiers returns the starter/standard/premium/vip brackets
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "starter", MinBalance: 1000, MaxBalance: 5000, RiskFraction: 0.020, MaxLot: 1.0},
		{Name: "standard", MinBalance: 5000, MaxBalance: 25000, RiskFraction: 0.015, MaxLot: 2.0},
		{Name: "premium", MinBalance: 25000, MaxBalance: 100000, RiskFraction: 0.012, MaxLot: 3.0},
		{Name: "vip", MinBalance: 100000, MaxBalance: 0, RiskFraction: 0.010, MaxLot: 5.0},
	}
}

// Default returns a complete configuration for paper trading
func Default() *Config {
	return &Config{
		Mode: "paper",
		Server: ServerConfig{
			Enabled:         true,
			Port:            8090,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10,
		},
		Auth: AuthConfig{
			Issuer:        "correlation-recovery-bot",
			TokenDuration: Duration{12 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "recovery",
			Database: "recovery",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Vault: VaultConfig{
			Address:    "http://127.0.0.1:8200",
			MountPath:  "secret",
			SecretPath: "correlation-recovery-bot",
		},
		Broker: BrokerConfig{
			CallTimeout:       Duration{10 * time.Second},
			MaxRetries:        3,
			InitialBackoff:    Duration{200 * time.Millisecond},
			MaxBackoff:        Duration{2 * time.Second},
			RequestsPerSecond: 20,
			Burst:             5,
			Paper: PaperConfig{
				InitialBalance: 10000,
				CurrencyValues: map[string]float64{
					"EUR": 1.09, "GBP": 1.27, "AUD": 0.66, "NZD": 0.61,
					"CHF": 1.13, "JPY": 0.0067, "CAD": 0.74,
				},
				SpreadPips:   1.2,
				FeedInterval: Duration{time.Second},
				Volatility:   0.0008,
				SeedBars:     720,
				Seed:         1,
			},
		},
		Recovery: DefaultRecoveryConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:                true,
			MaxConsecutiveFailures: 3,
			MaxConsecutiveLosses:   4,
			MaxDailyLoss:           5.0,
			MaxRecoveriesPerHour:   20,
			CooldownMinutes:        30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
