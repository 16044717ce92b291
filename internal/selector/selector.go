// Package selector ranks tradable instruments as recovery legs for a losing
// position.
package selector

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/correlation"
)

// CorrelationResolver resolves a correlation sample for a pair
type CorrelationResolver interface {
	Resolve(ctx context.Context, symbolA, symbolB string, lookback int) correlation.Sample
}

// HedgeSizer sizes a recovery leg from the original volume
type HedgeSizer interface {
	HedgeVolume(originalVolume, correlation float64) float64
}

// SpreadSource reports the current spread of a symbol in pips
type SpreadSource interface {
	SpreadPips(ctx context.Context, symbol string) (float64, error)
}

// Weights of the composite candidate score
type Weights struct {
	Correlation float64 `json:"correlation"`
	Spread      float64 `json:"spread"`
	Repetition  float64 `json:"repetition"`
}

// DefaultWeights favours correlation strength
func DefaultWeights() Weights {
	return Weights{Correlation: 1.0, Spread: 0.2, Repetition: 0.3}
}

// Constraints filter and weigh candidates for one selection
type Constraints struct {
	MinCorrelation    float64
	MaxUsagePerSymbol int
	MaxSpreadPips     float64
	Weights           Weights
	// Usage counts how many live recovery legs already use each symbol
	Usage map[string]int
}

// Candidate is a proposed recovery leg
type Candidate struct {
	Symbol      string             `json:"symbol"`
	Correlation correlation.Sample `json:"correlation"`
	Direction   broker.Direction   `json:"direction"`
	Volume      float64            `json:"volume"`
	SpreadPips  float64            `json:"spread_pips"`
	Score       float64            `json:"score"`
}

// Selector picks the best recovery candidate
type Selector struct {
	resolver CorrelationResolver
	sizer    HedgeSizer
	spreads  SpreadSource
	logger   zerolog.Logger
}

// NewSelector creates a selector. spreads may be nil, which disables the
// spread filter and scores every symbol as zero-spread.
func NewSelector(resolver CorrelationResolver, sizer HedgeSizer, spreads SpreadSource, logger zerolog.Logger) *Selector {
	return &Selector{
		resolver: resolver,
		sizer:    sizer,
		spreads:  spreads,
		logger:   logger.With().Str("component", "CandidateSelector").Logger(),
	}
}

// HedgeDirection returns the recovery leg's side. A negatively correlated
// instrument moves against the original, so trading it the same way offsets
// the loss; a positively correlated one has to be traded the opposite way.
func HedgeDirection(original broker.Direction, corr float64) broker.Direction {
	if corr < 0 {
		return original
	}
	return original.Opposite()
}

// Select returns the highest scoring candidate for the losing position, or
// nil when none passes the constraints.
func (s *Selector) Select(ctx context.Context, original broker.Position, symbols []string, c Constraints) *Candidate {
	origSymbol := broker.NormalizeSymbol(original.Symbol)
	candidates := make([]Candidate, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))

	for _, raw := range symbols {
		symbol := broker.NormalizeSymbol(raw)
		if symbol == origSymbol || seen[symbol] {
			continue
		}
		seen[symbol] = true

		usage := c.Usage[symbol]
		if c.MaxUsagePerSymbol > 0 && usage >= c.MaxUsagePerSymbol {
			s.logger.Debug().Str("symbol", symbol).Int("usage", usage).Msg("Candidate skipped: usage limit")
			continue
		}

		sample := s.resolver.Resolve(ctx, origSymbol, symbol, 0)
		if math.Abs(sample.Value) < c.MinCorrelation {
			continue
		}

		spread := 0.0
		if s.spreads != nil {
			sp, err := s.spreads.SpreadPips(ctx, symbol)
			if err != nil {
				s.logger.Debug().Err(err).Str("symbol", symbol).Msg("Candidate skipped: no spread")
				continue
			}
			spread = sp
			if c.MaxSpreadPips > 0 && spread > c.MaxSpreadPips {
				s.logger.Debug().Str("symbol", symbol).Float64("spread", spread).Msg("Candidate skipped: spread too wide")
				continue
			}
		}

		candidates = append(candidates, Candidate{
			Symbol:      symbol,
			Correlation: sample,
			Direction:   HedgeDirection(original.Direction, sample.Value),
			Volume:      s.sizer.HedgeVolume(original.Volume, sample.Value),
			SpreadPips:  spread,
			Score:       score(c, math.Abs(sample.Value), spread, usage),
		})
	}

	if len(candidates) == 0 {
		s.logger.Info().Str("symbol", origSymbol).Int64("ticket", original.Ticket).Msg("No recovery candidate passed constraints")
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ca, cb := math.Abs(a.Correlation.Value), math.Abs(b.Correlation.Value)
		if ca != cb {
			return ca > cb
		}
		return a.SpreadPips < b.SpreadPips
	})

	best := candidates[0]
	s.logger.Info().
		Str("symbol", origSymbol).
		Str("hedge_symbol", best.Symbol).
		Float64("correlation", best.Correlation.Value).
		Str("source", string(best.Correlation.Source)).
		Str("direction", string(best.Direction)).
		Float64("volume", best.Volume).
		Float64("score", best.Score).
		Int("considered", len(candidates)).
		Msg("Recovery candidate selected")
	return &best
}

// score combines correlation magnitude, an inverse-spread liquidity term and
// a penalty for symbols already carrying recovery legs
func score(c Constraints, absCorr, spreadPips float64, usage int) float64 {
	w := c.Weights
	liquidity := 1 / (1 + math.Max(0, spreadPips))
	penalty := float64(usage)
	if c.MaxUsagePerSymbol > 0 {
		penalty /= float64(c.MaxUsagePerSymbol)
	}
	return w.Correlation*absCorr + w.Spread*liquidity - w.Repetition*penalty
}
