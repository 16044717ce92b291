// Package sizing turns account state into order volumes. Two paths exist and
// callers pick one explicitly: Size derives a leg volume from a risk fraction
// of the balance, HedgeVolume derives a recovery leg from the original leg's
// volume and the correlation strength.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"correlation-recovery-bot/internal/broker"
)

// ErrRateUnavailable means a conversion rate needed for pip value is missing
var ErrRateUnavailable = errors.New("conversion rate unavailable")

// RateSource returns the current mid price of a symbol
type RateSource interface {
	Rate(ctx context.Context, symbol string) (float64, error)
}

// Config holds sizing parameters
type Config struct {
	Tiers           []Tier
	AccountCurrency string
	ContractSize    float64
	MicroLotUnit    float64
	MinLot          float64
	LotStep         float64
	MaxHedgeLot     float64
	HedgeMultiplier float64
}

// DefaultConfig returns standard FX lot conventions
func DefaultConfig() Config {
	return Config{
		Tiers:           DefaultTiers(),
		AccountCurrency: "USD",
		ContractSize:    100000,
		MicroLotUnit:    0.01,
		MinLot:          0.01,
		LotStep:         0.01,
		MaxHedgeLot:     5.0,
		HedgeMultiplier: 1.2,
	}
}

// Sizer computes order volumes
type Sizer struct {
	cfg    Config
	tiers  []Tier
	rates  RateSource
	logger zerolog.Logger
}

// NewSizer creates a sizer. rates may be nil when only HedgeVolume is used.
func NewSizer(cfg Config, rates RateSource, logger zerolog.Logger) *Sizer {
	def := DefaultConfig()
	if cfg.AccountCurrency == "" {
		cfg.AccountCurrency = def.AccountCurrency
	}
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = def.ContractSize
	}
	if cfg.MicroLotUnit <= 0 {
		cfg.MicroLotUnit = def.MicroLotUnit
	}
	if cfg.MinLot <= 0 {
		cfg.MinLot = def.MinLot
	}
	if cfg.LotStep <= 0 {
		cfg.LotStep = def.LotStep
	}
	if cfg.MaxHedgeLot <= 0 {
		cfg.MaxHedgeLot = def.MaxHedgeLot
	}
	if cfg.HedgeMultiplier <= 0 {
		cfg.HedgeMultiplier = def.HedgeMultiplier
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
	return &Sizer{
		cfg:    cfg,
		tiers:  sortTiers(cfg.Tiers),
		rates:  rates,
		logger: logger.With().Str("component", "PositionSizer").Logger(),
	}
}

// DetectTier returns the bracket for the balance
func (s *Sizer) DetectTier(balance float64) Tier {
	return detectTier(s.tiers, balance)
}

// Size returns the leg volume for risking riskFraction of the balance split
// evenly over legCount legs. A riskFraction of zero uses the tier's fraction.
func (s *Sizer) Size(ctx context.Context, acct broker.Account, symbol string, riskFraction float64, legCount int) (float64, error) {
	pipValue, err := s.PipValue(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return s.SizeWithPipValue(acct, riskFraction, legCount, pipValue), nil
}

// SizeWithPipValue is Size with a known pip value per standard lot
func (s *Sizer) SizeWithPipValue(acct broker.Account, riskFraction float64, legCount int, pipValue float64) float64 {
	tier := s.DetectTier(acct.Balance)
	if riskFraction <= 0 {
		riskFraction = tier.RiskFraction
	}
	if legCount < 1 {
		legCount = 1
	}

	riskAmount := acct.Balance * riskFraction
	riskPerLeg := riskAmount / float64(legCount)

	volume := s.cfg.MinLot
	if pipValue > 0 && riskPerLeg > 0 {
		volume = riskPerLeg / pipValue * s.cfg.MicroLotUnit
	}
	volume = s.clamp(s.roundDown(volume), s.cfg.MinLot, tier.MaxLot)

	s.logger.Debug().
		Str("tier", tier.Name).
		Float64("balance", acct.Balance).
		Float64("risk_per_leg", riskPerLeg).
		Float64("pip_value", pipValue).
		Float64("volume", volume).
		Msg("Leg volume sized")
	return volume
}

// HedgeVolume sizes a recovery leg as originalVolume × |correlation| × hedge multiplier
func (s *Sizer) HedgeVolume(originalVolume, correlation float64) float64 {
	volume := originalVolume * math.Abs(correlation) * s.cfg.HedgeMultiplier
	return s.clamp(s.roundDown(volume), s.cfg.MinLot, s.cfg.MaxHedgeLot)
}

// PipValue returns the account-currency value of one pip for one standard lot
func (s *Sizer) PipValue(ctx context.Context, symbol string) (float64, error) {
	base, quote, err := broker.SplitSymbol(symbol)
	if err != nil {
		return 0, err
	}
	acc := s.cfg.AccountCurrency
	raw := s.cfg.ContractSize * broker.PipSize(symbol)

	switch {
	case quote == acc:
		return raw, nil
	case quote == "JPY":
		r, err := s.rate(ctx, acc+"JPY")
		if err != nil {
			return 0, err
		}
		return raw / r, nil
	case base == acc:
		r, err := s.rate(ctx, base+quote)
		if err != nil {
			return 0, err
		}
		return raw / r, nil
	default:
		if r, err := s.rate(ctx, quote+acc); err == nil {
			return raw * r, nil
		}
		r, err := s.rate(ctx, acc+quote)
		if err != nil {
			return 0, err
		}
		return raw / r, nil
	}
}

func (s *Sizer) rate(ctx context.Context, symbol string) (float64, error) {
	if s.rates == nil {
		return 0, fmt.Errorf("%w: no rate source for %s", ErrRateUnavailable, symbol)
	}
	r, err := s.rates.Rate(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrRateUnavailable, symbol, err)
	}
	if r <= 0 || math.IsNaN(r) {
		return 0, fmt.Errorf("%w: %s has non-positive rate", ErrRateUnavailable, symbol)
	}
	return r, nil
}

func (s *Sizer) roundDown(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return s.cfg.MinLot
	}
	steps := math.Floor(v/s.cfg.LotStep + 1e-9)
	return math.Round(steps*s.cfg.LotStep*1e8) / 1e8
}

func (s *Sizer) clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Max(lo, math.Min(hi, v))
}
