package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBroker fails the first failures calls of each wrapped method
type flakyBroker struct {
	*PaperBroker
	failures  int32
	positions atomic.Int32
	orders    atomic.Int32
	block     time.Duration
}

func (f *flakyBroker) GetOpenPositions(ctx context.Context) ([]Position, error) {
	if f.positions.Add(1) <= f.failures {
		return nil, NewTransientError("get_open_positions", errors.New("socket reset"))
	}
	return f.PaperBroker.GetOpenPositions(ctx)
}

func (f *flakyBroker) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	f.orders.Add(1)
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.orders.Load() <= f.failures {
		return 0, NewTransientError("place_order", errors.New("socket reset"))
	}
	return f.PaperBroker.PlaceOrder(ctx, req)
}

func testGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:       50 * time.Millisecond,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
}

func newTestPaper(t *testing.T) *PaperBroker {
	t.Helper()
	p := NewPaperBroker(10000)
	p.SetCurrencyValue("EUR", 1.10)
	require.NoError(t, p.AddSymbol("EURUSD", 1))
	return p
}

func TestGuardedBroker_RetriesTransientReads(t *testing.T) {
	inner := &flakyBroker{PaperBroker: newTestPaper(t), failures: 2}
	g := NewGuardedBroker(inner, testGuardConfig(), zerolog.Nop())

	_, err := g.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.positions.Load())
}

func TestGuardedBroker_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyBroker{PaperBroker: newTestPaper(t), failures: 100}
	g := NewGuardedBroker(inner, testGuardConfig(), zerolog.Nop())

	_, err := g.GetOpenPositions(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(4), inner.positions.Load())
}

func TestGuardedBroker_NeverRetriesOrders(t *testing.T) {
	inner := &flakyBroker{PaperBroker: newTestPaper(t), failures: 1}
	g := NewGuardedBroker(inner, testGuardConfig(), zerolog.Nop())

	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Direction: Long, Volume: 0.1})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.orders.Load())
}

func TestGuardedBroker_TimeoutIsTransient(t *testing.T) {
	inner := &flakyBroker{PaperBroker: newTestPaper(t), block: time.Second}
	g := NewGuardedBroker(inner, testGuardConfig(), zerolog.Nop())

	start := time.Now()
	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Direction: Long, Volume: 0.1})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGuardedBroker_RejectionIsPermanent(t *testing.T) {
	p := newTestPaper(t)
	p.RejectOrders("EURUSD", "market closed")
	g := NewGuardedBroker(p, testGuardConfig(), zerolog.Nop())

	_, err := g.PlaceOrder(context.Background(), OrderRequest{Symbol: "EURUSD", Direction: Long, Volume: 0.1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.False(t, IsTransient(err))
}
