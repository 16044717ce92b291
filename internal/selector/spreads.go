package selector

import (
	"context"
	"fmt"

	"correlation-recovery-bot/internal/broker"
)

// TickSource is the part of the broker used to read live quotes
type TickSource interface {
	GetRecentTicks(ctx context.Context, symbol string, count int) ([]broker.Tick, error)
}

// BrokerSpreads reads spreads from the latest broker tick
type BrokerSpreads struct {
	Ticks TickSource
}

// SpreadPips returns ask minus bid of the latest tick, in pips
func (b BrokerSpreads) SpreadPips(ctx context.Context, symbol string) (float64, error) {
	ticks, err := b.Ticks.GetRecentTicks(ctx, symbol, 1)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, fmt.Errorf("no quotes for %s", symbol)
	}
	return ticks[len(ticks)-1].Spread() / broker.PipSize(symbol), nil
}
