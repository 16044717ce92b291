package sizing

import (
	"context"
	"fmt"

	"correlation-recovery-bot/internal/broker"
)

// TickSource is the part of the broker used to read live quotes
type TickSource interface {
	GetRecentTicks(ctx context.Context, symbol string, count int) ([]broker.Tick, error)
}

// BrokerRates reads conversion rates from the latest broker tick
type BrokerRates struct {
	Ticks TickSource
}

// Rate returns the mid of the most recent tick
func (b BrokerRates) Rate(ctx context.Context, symbol string) (float64, error) {
	ticks, err := b.Ticks.GetRecentTicks(ctx, symbol, 1)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, fmt.Errorf("no quotes for %s", symbol)
	}
	return ticks[len(ticks)-1].Mid(), nil
}

// StaticRates serves fixed rates, keyed by six-letter symbol
type StaticRates map[string]float64

// Rate implements RateSource
func (m StaticRates) Rate(ctx context.Context, symbol string) (float64, error) {
	r, ok := m[symbol]
	if !ok {
		return 0, fmt.Errorf("no rate for %s", symbol)
	}
	return r, nil
}
