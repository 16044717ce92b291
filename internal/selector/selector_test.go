package selector

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/correlation"
)

type fixedResolver map[correlation.PairKey]float64

func (f fixedResolver) Resolve(ctx context.Context, a, b string, lookback int) correlation.Sample {
	return correlation.Sample{SymbolA: a, SymbolB: b, Value: f[correlation.NewPairKey(a, b)], Source: correlation.SourceHistorical}
}

type multiplierSizer float64

func (m multiplierSizer) HedgeVolume(v, corr float64) float64 {
	if corr < 0 {
		corr = -corr
	}
	return v * corr * float64(m)
}

type fixedSpreads map[string]float64

func (f fixedSpreads) SpreadPips(ctx context.Context, symbol string) (float64, error) {
	sp, ok := f[symbol]
	if !ok {
		return 0, fmt.Errorf("no spread for %s", symbol)
	}
	return sp, nil
}

func defaultConstraints() Constraints {
	return Constraints{
		MinCorrelation:    0.6,
		MaxUsagePerSymbol: 3,
		MaxSpreadPips:     5,
		Weights:           DefaultWeights(),
	}
}

var losingEURUSD = broker.Position{Ticket: 1, Symbol: "EURUSD", Direction: broker.Long, Volume: 0.1, Profit: -30}

func TestHedgeDirection(t *testing.T) {
	assert.Equal(t, broker.Long, HedgeDirection(broker.Long, -0.87))
	assert.Equal(t, broker.Short, HedgeDirection(broker.Short, -0.6))
	assert.Equal(t, broker.Short, HedgeDirection(broker.Long, 0.85))
	assert.Equal(t, broker.Long, HedgeDirection(broker.Short, 0.7))
}

func TestSelect_PicksStrongestCorrelation(t *testing.T) {
	resolver := fixedResolver{
		correlation.NewPairKey("EURUSD", "USDCHF"): -0.87,
		correlation.NewPairKey("EURUSD", "GBPUSD"): 0.80,
		correlation.NewPairKey("EURUSD", "USDJPY"): -0.30,
	}
	spreads := fixedSpreads{"USDCHF": 1.5, "GBPUSD": 1.2, "USDJPY": 0.8}
	s := NewSelector(resolver, multiplierSizer(1.2), spreads, zerolog.Nop())

	c := s.Select(context.Background(), losingEURUSD, []string{"EURUSD", "USDCHF", "GBPUSD", "USDJPY"}, defaultConstraints())
	require.NotNil(t, c)
	assert.Equal(t, "USDCHF", c.Symbol)
	assert.Equal(t, broker.Long, c.Direction, "negative correlation trades the same direction")
	assert.InDelta(t, 0.1044, c.Volume, 1e-9)
	assert.Equal(t, 1.5, c.SpreadPips)
}

func TestSelect_Filters(t *testing.T) {
	resolver := fixedResolver{
		correlation.NewPairKey("EURUSD", "USDCHF"): -0.87,
		correlation.NewPairKey("EURUSD", "GBPUSD"): 0.80,
	}

	t.Run("weak correlation returns nothing", func(t *testing.T) {
		s := NewSelector(fixedResolver{}, multiplierSizer(1), nil, zerolog.Nop())
		assert.Nil(t, s.Select(context.Background(), losingEURUSD, []string{"USDCHF", "GBPUSD"}, defaultConstraints()))
	})

	t.Run("usage limit excludes overused symbols", func(t *testing.T) {
		s := NewSelector(resolver, multiplierSizer(1), nil, zerolog.Nop())
		c := defaultConstraints()
		c.Usage = map[string]int{"USDCHF": 3}
		got := s.Select(context.Background(), losingEURUSD, []string{"USDCHF", "GBPUSD"}, c)
		require.NotNil(t, got)
		assert.Equal(t, "GBPUSD", got.Symbol)
		assert.Equal(t, broker.Short, got.Direction, "positive correlation trades the opposite direction")
	})

	t.Run("spread ceiling excludes wide symbols", func(t *testing.T) {
		s := NewSelector(resolver, multiplierSizer(1), fixedSpreads{"USDCHF": 9, "GBPUSD": 9}, zerolog.Nop())
		assert.Nil(t, s.Select(context.Background(), losingEURUSD, []string{"USDCHF", "GBPUSD"}, defaultConstraints()))
	})

	t.Run("original symbol is never its own hedge", func(t *testing.T) {
		s := NewSelector(fixedResolver{correlation.NewPairKey("EURUSD", "EURUSD"): 1}, multiplierSizer(1), nil, zerolog.Nop())
		assert.Nil(t, s.Select(context.Background(), losingEURUSD, []string{"EURUSD", "eurusd"}, defaultConstraints()))
	})
}

func TestSelect_TieBreaks(t *testing.T) {
	c := defaultConstraints()
	c.Weights = Weights{Correlation: 0, Spread: 0, Repetition: 0}

	t.Run("equal score prefers larger correlation magnitude", func(t *testing.T) {
		resolver := fixedResolver{
			correlation.NewPairKey("EURUSD", "GBPUSD"): 0.70,
			correlation.NewPairKey("EURUSD", "USDCHF"): -0.90,
		}
		s := NewSelector(resolver, multiplierSizer(1), nil, zerolog.Nop())
		got := s.Select(context.Background(), losingEURUSD, []string{"GBPUSD", "USDCHF"}, c)
		require.NotNil(t, got)
		assert.Equal(t, "USDCHF", got.Symbol)
	})

	t.Run("equal score and correlation prefers lower spread", func(t *testing.T) {
		resolver := fixedResolver{
			correlation.NewPairKey("EURUSD", "GBPUSD"): 0.80,
			correlation.NewPairKey("EURUSD", "AUDUSD"): 0.80,
		}
		s := NewSelector(resolver, multiplierSizer(1), fixedSpreads{"GBPUSD": 2, "AUDUSD": 1}, zerolog.Nop())
		got := s.Select(context.Background(), losingEURUSD, []string{"GBPUSD", "AUDUSD"}, c)
		require.NotNil(t, got)
		assert.Equal(t, "AUDUSD", got.Symbol)
	})
}

func TestScore_RepetitionPenalty(t *testing.T) {
	c := defaultConstraints()
	fresh := score(c, 0.8, 1, 0)
	used := score(c, 0.8, 1, 2)
	assert.Greater(t, fresh, used)
	assert.Greater(t, score(c, 0.8, 0.5, 0), score(c, 0.8, 3, 0))
}
