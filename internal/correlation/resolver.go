package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"correlation-recovery-bot/internal/broker"
)

// DataSource is the part of the broker the resolver reads from
type DataSource interface {
	GetHistoricalPrices(ctx context.Context, symbol string, timeframe broker.Timeframe, count int) ([]broker.Bar, error)
	GetRecentTicks(ctx context.Context, symbol string, count int) ([]broker.Tick, error)
}

// Store persists cached samples across restarts
type Store interface {
	SaveCorrelation(ctx context.Context, sample Sample, ttl time.Duration) error
	LoadCorrelations(ctx context.Context) ([]Sample, error)
}

// Config holds resolver settings
type Config struct {
	Timeframe      broker.Timeframe
	HistoricalBars int
	MinSamples     int
	TickWindow     int
	TickBucket     time.Duration
	TTL            time.Duration
	// ComputeTimeout bounds one shared computation. It runs detached from
	// the requesting caller so a cancelled request cannot poison the cache.
	ComputeTimeout time.Duration
}

// DefaultConfig returns 30 days of hourly bars with a 15 minute cache
func DefaultConfig() Config {
	return Config{
		Timeframe:      broker.TimeframeH1,
		HistoricalBars: 720,
		MinSamples:     10,
		TickWindow:     200,
		TickBucket:     time.Second,
		TTL:            15 * time.Minute,
		ComputeTimeout: 30 * time.Second,
	}
}

// Resolver computes correlations through the historical, tick, structural
// and default layers, first success wins. Results are cached per unordered
// pair and concurrent requests for one pair share a single computation.
type Resolver struct {
	cfg      Config
	data     DataSource
	cache    *sampleCache
	flight   singleflight.Group
	logger   zerolog.Logger
	mu       sync.RWMutex
	store    Store
	observer func(Sample)
	now      func() time.Time

	// layer hooks, replaced in tests to force fallthrough
	structural func(a, b string) (float64, error)
}

// NewResolver creates a resolver reading market data from data
func NewResolver(cfg Config, data DataSource, logger zerolog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.HistoricalBars <= 0 {
		cfg.HistoricalBars = def.HistoricalBars
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.TickWindow <= 0 {
		cfg.TickWindow = def.TickWindow
	}
	if cfg.TickBucket <= 0 {
		cfg.TickBucket = def.TickBucket
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = def.ComputeTimeout
	}
	return &Resolver{
		cfg:        cfg,
		data:       data,
		cache:      newSampleCache(cfg.TTL),
		logger:     logger.With().Str("component", "CorrelationResolver").Logger(),
		now:        time.Now,
		structural: structuralCorrelation,
	}
}

// SetStore attaches persistence for cached samples
func (r *Resolver) SetStore(store Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
}

// SetObserver registers a callback invoked for every freshly computed sample
func (r *Resolver) SetObserver(fn func(Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// SetClock overrides the time source
func (r *Resolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Resolver) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

// Resolve returns the correlation of the pair over lookback bars. A lookback
// of zero uses the configured bar count. The result is always in [-1, 1].
func (r *Resolver) Resolve(ctx context.Context, symbolA, symbolB string, lookback int) Sample {
	a, b := broker.NormalizeSymbol(symbolA), broker.NormalizeSymbol(symbolB)
	key := NewPairKey(a, b)
	if s, ok := r.cache.get(key, r.clock()); ok {
		return s
	}
	if lookback <= 0 {
		lookback = r.cfg.HistoricalBars
	}

	ch := r.flight.DoChan(fmt.Sprintf("%s/%d", key, lookback), func() (interface{}, error) {
		if s, ok := r.cache.get(key, r.clock()); ok {
			return s, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ComputeTimeout)
		defer cancel()

		s, cacheable := r.compute(cctx, a, b, lookback)
		if cacheable {
			r.persist(cctx, s)
			r.cache.put(s)
		}
		r.mu.RLock()
		observer := r.observer
		r.mu.RUnlock()
		if observer != nil {
			observer(s)
		}
		return s, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Sample)
	case <-ctx.Done():
		// the shared computation keeps running and fills the cache
		return r.fallback(a, b, r.clock())
	}
}

// Invalidate drops the cached sample of a pair so the next Resolve recomputes
func (r *Resolver) Invalidate(symbolA, symbolB string) {
	r.cache.delete(NewPairKey(broker.NormalizeSymbol(symbolA), broker.NormalizeSymbol(symbolB)))
}

// InvalidateAll empties the cache
func (r *Resolver) InvalidateAll() {
	r.cache.clear()
}

// CachedSamples returns every unexpired cached sample
func (r *Resolver) CachedSamples() []Sample {
	return r.cache.live(r.clock())
}

// Restore loads persisted samples into the cache, skipping expired ones
func (r *Resolver) Restore(ctx context.Context) (int, error) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return 0, nil
	}

	samples, err := store.LoadCorrelations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load correlations: %w", err)
	}

	now := r.clock()
	restored := 0
	for _, s := range samples {
		if s.Value < -1 || s.Value > 1 || !now.Before(s.ComputedAt.Add(r.cfg.TTL)) {
			continue
		}
		r.cache.put(s)
		restored++
	}
	r.logger.Info().Int("restored", restored).Int("loaded", len(samples)).Msg("Correlation cache restored")
	return restored, nil
}

// compute walks the layers. The boolean reports whether the sample may be
// cached: default-table values never are, and neither is a rule-based value
// produced because the data layers were cut off by ctx.
func (r *Resolver) compute(ctx context.Context, a, b string, lookback int) (Sample, bool) {
	now := r.clock()
	sample := Sample{SymbolA: a, SymbolB: b, ComputedAt: now}

	if a == b {
		sample.Value, sample.Source = 1, SourceStructural
		return sample, true
	}

	value, n, err := r.historical(ctx, a, b, lookback)
	if err == nil {
		sample.Value, sample.Samples, sample.Source = value, n, SourceHistorical
		return sample, true
	}
	r.logFallthrough(SourceHistorical, a, b, err)

	value, n, err = r.tick(ctx, a, b)
	if err == nil {
		sample.Value, sample.Samples, sample.Source = value, n, SourceTick
		return sample, true
	}
	r.logFallthrough(SourceTick, a, b, err)

	if ctx.Err() != nil {
		r.logger.Warn().Err(ctx.Err()).Str("symbol_a", a).Str("symbol_b", b).
			Msg("Correlation data layers cut off, rule-based value not cached")
		return r.fallback(a, b, now), false
	}

	sample = r.fallback(a, b, now)
	return sample, sample.Source != SourceDefault
}

// fallback answers from the structural rules, or the default table when the
// rules cannot classify the pair
func (r *Resolver) fallback(a, b string, now time.Time) Sample {
	sample := Sample{SymbolA: a, SymbolB: b, ComputedAt: now}
	if a == b {
		sample.Value, sample.Source = 1, SourceStructural
		return sample
	}

	value, err := r.structural(a, b)
	if err == nil {
		if v, _, gerr := guardRange(value, 0); gerr == nil {
			sample.Value, sample.Source = v, SourceStructural
			return sample
		}
	}
	r.logger.Warn().Err(err).Str("symbol_a", a).Str("symbol_b", b).Msg("Structural correlation failed, using default table")

	sample.Value, sample.Source = defaultCorrelation(a, b), SourceDefault
	return sample
}

func (r *Resolver) historical(ctx context.Context, a, b string, lookback int) (float64, int, error) {
	barsA, err := r.data.GetHistoricalPrices(ctx, a, r.cfg.Timeframe, lookback)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get bars for %s: %w", a, err)
	}
	barsB, err := r.data.GetHistoricalPrices(ctx, b, r.cfg.Timeframe, lookback)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get bars for %s: %w", b, err)
	}
	return pearsonOfReturns(barPoints(barsA), barPoints(barsB), r.cfg.MinSamples)
}

func (r *Resolver) tick(ctx context.Context, a, b string) (float64, int, error) {
	ticksA, err := r.data.GetRecentTicks(ctx, a, r.cfg.TickWindow)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get ticks for %s: %w", a, err)
	}
	ticksB, err := r.data.GetRecentTicks(ctx, b, r.cfg.TickWindow)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get ticks for %s: %w", b, err)
	}
	return pearsonOfReturns(tickPoints(ticksA, r.cfg.TickBucket), tickPoints(ticksB, r.cfg.TickBucket), r.cfg.MinSamples)
}

func (r *Resolver) persist(ctx context.Context, s Sample) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return
	}
	if err := store.SaveCorrelation(ctx, s, r.cfg.TTL); err != nil {
		r.logger.Warn().Err(err).Str("pair", string(s.Key())).Msg("Failed to persist correlation")
	}
}

func (r *Resolver) logFallthrough(layer Source, a, b string, err error) {
	ev := r.logger.Debug()
	if !errors.Is(err, ErrDataInsufficient) {
		ev = r.logger.Info()
	}
	ev.Err(err).Str("layer", string(layer)).Str("symbol_a", a).Str("symbol_b", b).Msg("Correlation layer fell through")
}
