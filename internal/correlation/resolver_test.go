package correlation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"correlation-recovery-bot/internal/broker"
)

// fakeData serves canned bars and ticks and counts history requests
type fakeData struct {
	bars     map[string][]broker.Bar
	ticks    map[string][]broker.Tick
	barCalls atomic.Int32
	delay    time.Duration
	barErr   error
	hang     bool // block every request until ctx is done
}

func (f *fakeData) wait(ctx context.Context) error {
	if f.hang {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (f *fakeData) GetHistoricalPrices(ctx context.Context, symbol string, tf broker.Timeframe, count int) ([]broker.Bar, error) {
	f.barCalls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.barErr != nil {
		return nil, f.barErr
	}
	return f.bars[symbol], nil
}

func (f *fakeData) GetRecentTicks(ctx context.Context, symbol string, count int) ([]broker.Tick, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.ticks[symbol], nil
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// seriesFromReturns builds hourly bars starting at start and compounding rets
func seriesFromReturns(start float64, rets []float64) []broker.Bar {
	bars := make([]broker.Bar, 0, len(rets)+1)
	price := start
	bars = append(bars, broker.Bar{Time: epoch, Close: price})
	for i, r := range rets {
		price *= 1 + r
		bars = append(bars, broker.Bar{Time: epoch.Add(time.Duration(i+1) * time.Hour), Close: price})
	}
	return bars
}

func randomReturns(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64() * 0.002
	}
	return out
}

func negate(rets []float64) []float64 {
	out := make([]float64, len(rets))
	for i, r := range rets {
		out[i] = -r
	}
	return out
}

func newTestResolver(data DataSource) *Resolver {
	return NewResolver(DefaultConfig(), data, zerolog.Nop())
}

// ===== HISTORICAL LAYER =====

func TestResolve_IdenticalAndInvertedSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rets := randomReturns(rng, 200)

	data := &fakeData{bars: map[string][]broker.Bar{
		"EURUSD": seriesFromReturns(1.10, rets),
		"GBPUSD": seriesFromReturns(1.27, rets),
		"USDCHF": seriesFromReturns(0.90, negate(rets)),
	}}
	r := newTestResolver(data)

	t.Run("same returns at a different price scale correlate at 1", func(t *testing.T) {
		s := r.Resolve(context.Background(), "EURUSD", "GBPUSD", 0)
		assert.Equal(t, SourceHistorical, s.Source)
		assert.InDelta(t, 1.0, s.Value, 1e-6)
		assert.Equal(t, 200, s.Samples)
	})

	t.Run("inverted returns correlate at -1", func(t *testing.T) {
		s := r.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
		assert.Equal(t, SourceHistorical, s.Source)
		assert.InDelta(t, -1.0, s.Value, 1e-6)
	})
}

func TestResolve_AlwaysInRange(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		n := 5 + rng.Intn(100)
		data := &fakeData{bars: map[string][]broker.Bar{
			"EURUSD": seriesFromReturns(1.1, randomReturns(rng, n)),
			"AUDJPY": seriesFromReturns(97, randomReturns(rng, n+rng.Intn(10))),
		}}
		s := newTestResolver(data).Resolve(context.Background(), "EURUSD", "AUDJPY", 1+rng.Intn(720))
		assert.GreaterOrEqual(t, s.Value, -1.0)
		assert.LessOrEqual(t, s.Value, 1.0)
		assert.False(t, math.IsNaN(s.Value))
	}
}

func TestResolve_InnerJoinOnTimestamp(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rets := randomReturns(rng, 60)
	a := seriesFromReturns(1.1, rets)
	b := seriesFromReturns(1.3, rets)
	// drop every third bar of b; the join must still line up matching hours
	thinned := make([]broker.Bar, 0, len(b))
	for i, bar := range b {
		if i%3 != 0 {
			thinned = append(thinned, bar)
		}
	}

	xs, ys := align(barPoints(a), barPoints(thinned))
	require.Equal(t, len(thinned), len(xs))
	for i := range xs {
		assert.InDelta(t, xs[i]/1.1, ys[i]/1.3, 1e-9)
	}
}

// ===== FALLTHROUGH =====

func TestResolve_Fallthrough(t *testing.T) {
	t.Run("too few bars falls through to ticks", func(t *testing.T) {
		rng := rand.New(rand.NewSource(9))
		rets := randomReturns(rng, 40)
		ticksA := make([]broker.Tick, 0, len(rets))
		ticksB := make([]broker.Tick, 0, len(rets))
		pa, pb := 1.1, 0.9
		for i, ret := range rets {
			pa *= 1 + ret
			pb *= 1 - ret
			at := epoch.Add(time.Duration(i) * time.Second)
			ticksA = append(ticksA, broker.Tick{Time: at, Bid: pa, Ask: pa})
			ticksB = append(ticksB, broker.Tick{Time: at, Bid: pb, Ask: pb})
		}
		data := &fakeData{
			bars:  map[string][]broker.Bar{"EURUSD": seriesFromReturns(1.1, rets[:5])},
			ticks: map[string][]broker.Tick{"EURUSD": ticksA, "USDCHF": ticksB},
		}
		s := newTestResolver(data).Resolve(context.Background(), "EURUSD", "USDCHF", 0)
		assert.Equal(t, SourceTick, s.Source)
		assert.InDelta(t, -1.0, s.Value, 1e-6)
	})

	t.Run("no data falls through to structure", func(t *testing.T) {
		data := &fakeData{barErr: errors.New("history unavailable")}
		s := newTestResolver(data).Resolve(context.Background(), "EURUSD", "USDCHF", 0)
		assert.Equal(t, SourceStructural, s.Source)
		assert.Equal(t, -0.75, s.Value)
	})

	t.Run("structural failure falls through to the default table", func(t *testing.T) {
		r := newTestResolver(&fakeData{})
		r.structural = func(a, b string) (float64, error) { return 0, errors.New("boom") }
		s := r.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
		assert.Equal(t, SourceDefault, s.Source)
		assert.Equal(t, -0.85, s.Value)

		s = r.Resolve(context.Background(), "EURUSD", "XAGAUD", 0)
		assert.Equal(t, SourceDefault, s.Source)
		assert.Equal(t, 0.0, s.Value)
	})

	t.Run("malformed symbols use the default table", func(t *testing.T) {
		s := newTestResolver(&fakeData{}).Resolve(context.Background(), "BTCUSDT", "EURUSD", 0)
		assert.Equal(t, SourceDefault, s.Source)
		assert.Equal(t, 0.0, s.Value)
	})
}

func TestStructuralCorrelation(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"EURUSD", "EURJPY", 0.75},
		{"EURUSD", "USDCHF", -0.75},
		{"USDJPY", "EURUSD", -0.75},
		{"EURUSD", "GBPUSD", 0.60},
		{"AUDJPY", "USDCAD", -0.70},
		{"AUDJPY", "NZDCHF", 0.50},
		{"GBPCAD", "AUDNZD", 0.50},
		{"EURUSD", "USDEUR", -1},
	}
	for _, tc := range cases {
		t.Run(tc.a+"/"+tc.b, func(t *testing.T) {
			got, err := structuralCorrelation(tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// ===== CACHE =====

func TestResolve_CacheAndTTL(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	rets := randomReturns(rng, 50)
	data := &fakeData{bars: map[string][]broker.Bar{
		"EURUSD": seriesFromReturns(1.1, rets),
		"GBPUSD": seriesFromReturns(1.3, rets),
	}}
	r := newTestResolver(data)
	now := epoch
	r.SetClock(func() time.Time { return now })

	r.Resolve(context.Background(), "EURUSD", "GBPUSD", 0)
	r.Resolve(context.Background(), "GBPUSD", "EURUSD", 0)
	assert.Equal(t, int32(2), data.barCalls.Load(), "unordered pair must hit the cache")

	now = now.Add(DefaultConfig().TTL + time.Second)
	r.Resolve(context.Background(), "EURUSD", "GBPUSD", 0)
	assert.Equal(t, int32(4), data.barCalls.Load(), "expired entry must be recomputed")

	r.Invalidate("GBPUSD", "EURUSD")
	r.Resolve(context.Background(), "EURUSD", "GBPUSD", 0)
	assert.Equal(t, int32(6), data.barCalls.Load())
}

func TestResolve_SingleFlight(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	rets := randomReturns(rng, 50)
	data := &fakeData{
		bars: map[string][]broker.Bar{
			"EURUSD": seriesFromReturns(1.1, rets),
			"GBPUSD": seriesFromReturns(1.3, rets),
		},
		delay: 50 * time.Millisecond,
	}
	r := newTestResolver(data)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := r.Resolve(context.Background(), "EURUSD", "GBPUSD", 0)
			assert.InDelta(t, 1.0, s.Value, 1e-6)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), data.barCalls.Load())
}

// ===== CANCELLATION =====

func TestResolve_CancelledCallerDoesNotPoisonCache(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rets := randomReturns(rng, 100)
	data := &fakeData{bars: map[string][]broker.Bar{
		"EURUSD": seriesFromReturns(1.10, rets),
		"USDCHF": seriesFromReturns(0.90, negate(rets)),
	}}
	store := &memStore{samples: map[PairKey]Sample{}}
	r := newTestResolver(data)
	r.SetStore(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := r.Resolve(ctx, "EURUSD", "USDCHF", 0)
	assert.GreaterOrEqual(t, s.Value, -1.0)

	s = r.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
	assert.Equal(t, SourceHistorical, s.Source)
	assert.InDelta(t, -1.0, s.Value, 1e-6)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, SourceHistorical, store.samples[NewPairKey("EURUSD", "USDCHF")].Source)
}

func TestResolve_TimedOutComputationIsNotCached(t *testing.T) {
	data := &fakeData{hang: true}
	cfg := DefaultConfig()
	cfg.ComputeTimeout = 20 * time.Millisecond
	store := &memStore{samples: map[PairKey]Sample{}}
	r := NewResolver(cfg, data, zerolog.Nop())
	r.SetStore(store)

	s := r.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
	assert.Equal(t, SourceStructural, s.Source)
	assert.Equal(t, -0.75, s.Value)
	assert.Empty(t, r.CachedSamples())
	assert.Empty(t, store.samples)

	data.hang = false
	data.bars = map[string][]broker.Bar{
		"EURUSD": seriesFromReturns(1.1, randomReturns(rand.New(rand.NewSource(3)), 50)),
	}
	data.bars["USDCHF"] = data.bars["EURUSD"]
	s = r.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
	assert.Equal(t, SourceHistorical, s.Source)
}

type memStore struct {
	mu      sync.Mutex
	samples map[PairKey]Sample
}

func (m *memStore) SaveCorrelation(ctx context.Context, s Sample, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.Key()] = s
	return nil
}

func (m *memStore) LoadCorrelations(ctx context.Context) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, s)
	}
	return out, nil
}

func TestResolve_PersistAndRestore(t *testing.T) {
	store := &memStore{samples: map[PairKey]Sample{}}
	first := newTestResolver(&fakeData{})
	first.SetStore(store)
	s := first.Resolve(context.Background(), "EURUSD", "USDCHF", 0)
	require.Equal(t, SourceStructural, s.Source)
	require.Len(t, store.samples, 1)

	stale := Sample{SymbolA: "AUDUSD", SymbolB: "NZDUSD", Value: 0.9, Source: SourceHistorical, ComputedAt: time.Now().Add(-time.Hour)}
	store.samples[stale.Key()] = stale

	data := &fakeData{}
	second := newTestResolver(data)
	second.SetStore(store)
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := second.Resolve(context.Background(), "USDCHF", "EURUSD", 0)
	assert.Equal(t, s.Value, got.Value)
	assert.Equal(t, int32(0), data.barCalls.Load())
}
