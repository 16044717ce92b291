package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GuardConfig bounds every broker call made through a GuardedBroker
type GuardConfig struct {
	CallTimeout       time.Duration
	MaxRetries        uint64
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
	Burst             int
}

// DefaultGuardConfig returns conservative defaults
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:       10 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		RequestsPerSecond: 20,
		Burst:             5,
	}
}

// GuardedBroker wraps a Broker with per-call timeouts, request pacing and
// exponential-backoff retries of transient failures. Order placement is never
// retried: a timed-out order may still have been filled, so the caller has to
// compensate instead.
type GuardedBroker struct {
	inner   Broker
	cfg     GuardConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewGuardedBroker wraps inner
func NewGuardedBroker(inner Broker, cfg GuardConfig, logger zerolog.Logger) *GuardedBroker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultGuardConfig().CallTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultGuardConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &GuardedBroker{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With().Str("component", "GuardedBroker").Logger(),
	}
}

func (g *GuardedBroker) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if g.cfg.InitialBackoff > 0 {
		eb.InitialInterval = g.cfg.InitialBackoff
	}
	if g.cfg.MaxBackoff > 0 {
		eb.MaxInterval = g.cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, g.cfg.MaxRetries), ctx)
}

// call runs fn once under the rate limiter and the per-call timeout,
// translating deadline expiry into a TransientError.
func (g *GuardedBroker) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return NewTransientError(op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return NewTransientError(op, fmt.Errorf("timed out after %v: %w", g.cfg.CallTimeout, err))
	}
	return err
}

// retry runs call with backoff while the error stays transient. A lost
// session is re-established before the next attempt.
func (g *GuardedBroker) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := g.call(ctx, op, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotConnected) {
			if cerr := g.call(ctx, "connect", g.inner.Connect); cerr != nil {
				g.logger.Warn().Err(cerr).Str("op", op).Msg("Reconnect attempt failed")
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying broker call")
	}

	err := backoff.RetryNotify(operation, g.newBackOff(ctx), notify)
	if err != nil && IsTransient(err) {
		g.logger.Warn().Err(err).Str("op", op).Int("attempts", attempt).Msg("Broker call failed after retries")
	}
	return err
}

func (g *GuardedBroker) Connect(ctx context.Context) error {
	return g.retry(ctx, "connect", g.inner.Connect)
}

func (g *GuardedBroker) Disconnect(ctx context.Context) error {
	return g.call(ctx, "disconnect", g.inner.Disconnect)
}

func (g *GuardedBroker) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *GuardedBroker) GetAccountState(ctx context.Context) (*Account, error) {
	var acct *Account
	err := g.retry(ctx, "get_account_state", func(ctx context.Context) error {
		var err error
		acct, err = g.inner.GetAccountState(ctx)
		return err
	})
	return acct, err
}

func (g *GuardedBroker) GetOpenPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := g.retry(ctx, "get_open_positions", func(ctx context.Context) error {
		var err error
		positions, err = g.inner.GetOpenPositions(ctx)
		return err
	})
	return positions, err
}

func (g *GuardedBroker) GetHistoricalPrices(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Bar, error) {
	var bars []Bar
	err := g.retry(ctx, "get_historical_prices", func(ctx context.Context) error {
		var err error
		bars, err = g.inner.GetHistoricalPrices(ctx, symbol, timeframe, count)
		return err
	})
	return bars, err
}

func (g *GuardedBroker) GetRecentTicks(ctx context.Context, symbol string, count int) ([]Tick, error) {
	var ticks []Tick
	err := g.retry(ctx, "get_recent_ticks", func(ctx context.Context) error {
		var err error
		ticks, err = g.inner.GetRecentTicks(ctx, symbol, count)
		return err
	})
	return ticks, err
}

// PlaceOrder is attempted exactly once
func (g *GuardedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	var ticket int64
	err := g.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		ticket, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return ticket, err
}

// ClosePosition is retried; closing an already closed ticket reports ErrPositionNotFound
func (g *GuardedBroker) ClosePosition(ctx context.Context, ticket int64) error {
	return g.retry(ctx, "close_position", func(ctx context.Context) error {
		return g.inner.ClosePosition(ctx, ticket)
	})
}
