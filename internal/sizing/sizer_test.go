package sizing

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"correlation-recovery-bot/internal/broker"
)

func newTestSizer() *Sizer {
	rates := StaticRates{
		"USDJPY": 150.0,
		"USDCHF": 0.90,
		"GBPUSD": 1.25,
		"USDCAD": 1.35,
	}
	return NewSizer(DefaultConfig(), rates, zerolog.Nop())
}

// ===== TIERS =====

func TestDetectTier(t *testing.T) {
	s := newTestSizer()
	cases := []struct {
		balance float64
		want    string
	}{
		{500, "starter"},
		{1000, "starter"},
		{4999.99, "starter"},
		{5000, "standard"},
		{10000, "standard"},
		{25000, "premium"},
		{100000, "vip"},
		{5_000_000, "vip"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.DetectTier(tc.balance).Name, "balance %v", tc.balance)
	}
}

// ===== PIP VALUE =====

func TestPipValue(t *testing.T) {
	s := newTestSizer()
	ctx := context.Background()

	cases := []struct {
		symbol string
		want   float64
	}{
		{"EURUSD", 10.0},
		{"USDJPY", 1000.0 / 150.0},
		{"EURJPY", 1000.0 / 150.0},
		{"USDCHF", 10.0 / 0.90},
		{"EURGBP", 10.0 * 1.25},
		{"EURCAD", 10.0 / 1.35},
	}
	for _, tc := range cases {
		t.Run(tc.symbol, func(t *testing.T) {
			got, err := s.PipValue(ctx, tc.symbol)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}

	t.Run("missing conversion rate is an error", func(t *testing.T) {
		_, err := s.PipValue(ctx, "AUDNZD")
		assert.ErrorIs(t, err, ErrRateUnavailable)
	})
}

// ===== RISK PATH =====

func TestSize_ScenarioA(t *testing.T) {
	s := newTestSizer()
	acct := broker.Account{Balance: 10000, Currency: "USD"}

	vol, err := s.Size(context.Background(), acct, "EURUSD", 0.015, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, vol, 1e-9)

	// tier fraction for a 10k balance is the same 1.5%
	vol, err = s.Size(context.Background(), acct, "EURUSD", 0, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, vol, 1e-9)
}

func TestSize_StaysWithinBounds(t *testing.T) {
	s := newTestSizer()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		balance := rng.Float64() * 2_000_000
		risk := rng.Float64() * 0.1
		legs := 1 + rng.Intn(5)
		pip := 0.5 + rng.Float64()*20

		vol := s.SizeWithPipValue(broker.Account{Balance: balance}, risk, legs, pip)
		tier := s.DetectTier(balance)
		assert.GreaterOrEqual(t, vol, DefaultConfig().MinLot)
		assert.LessOrEqual(t, vol, tier.MaxLot)
	}
}

func TestSize_ClampsToTierCeiling(t *testing.T) {
	s := newTestSizer()
	vol := s.SizeWithPipValue(broker.Account{Balance: 3000}, 0.1, 1, 0.01)
	assert.Equal(t, 1.0, vol)

	vol = s.SizeWithPipValue(broker.Account{Balance: 1000}, 0.0001, 3, 10)
	assert.Equal(t, 0.01, vol)
}

// ===== HEDGE PATH =====

func TestHedgeVolume(t *testing.T) {
	s := newTestSizer()
	assert.InDelta(t, 0.10, s.HedgeVolume(0.1, -0.87), 1e-9)
	assert.InDelta(t, 0.12, s.HedgeVolume(0.1, 1.0), 1e-9)
	assert.InDelta(t, 0.01, s.HedgeVolume(0.001, 0.9), 1e-9)
	assert.InDelta(t, 5.0, s.HedgeVolume(10, 0.9), 1e-9)
}
