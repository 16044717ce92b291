package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"correlation-recovery-bot/config"
	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/events"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/selector"
	"correlation-recovery-bot/internal/sizing"
)

// ==================== fixtures ====================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedResolver returns fixed correlations that tests can change mid-hold
type scriptedResolver struct {
	mu     sync.Mutex
	values map[correlation.PairKey]float64
}

func (s *scriptedResolver) Set(a, b string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[correlation.NewPairKey(a, b)] = v
}

func (s *scriptedResolver) Resolve(ctx context.Context, a, b string, lookback int) correlation.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return correlation.Sample{SymbolA: a, SymbolB: b, Value: s.values[correlation.NewPairKey(a, b)], Source: correlation.SourceHistorical}
}

// flakyBroker blocks or fails orders on demand
type flakyBroker struct {
	*broker.PaperBroker
	hang    atomic.Bool
	release chan struct{}
	entered chan struct{}
}

func (f *flakyBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (int64, error) {
	if f.hang.Load() {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		select {
		case <-ctx.Done():
			return 0, broker.NewTransientError("place_order", ctx.Err())
		case <-f.release:
		}
	}
	return f.PaperBroker.PlaceOrder(ctx, req)
}

type countingGate struct {
	mu        sync.Mutex
	blocked   bool
	failures  int
	successes int
	results   []float64
}

func (g *countingGate) CanOpenRecovery() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		return false, "breaker open"
	}
	return true, ""
}

func (g *countingGate) RecordOrderFailure(string) {
	g.mu.Lock()
	g.failures++
	g.mu.Unlock()
}

func (g *countingGate) RecordOrderSuccess() {
	g.mu.Lock()
	g.successes++
	g.mu.Unlock()
}

func (g *countingGate) RecordRecoveryResult(p float64) {
	g.mu.Lock()
	g.results = append(g.results, p)
	g.mu.Unlock()
}

type memState struct {
	mu      sync.Mutex
	records []hedge.Record
}

func (m *memState) SaveRecords(ctx context.Context, records []hedge.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]hedge.Record(nil), records...)
	return nil
}

func (m *memState) LoadRecords(ctx context.Context) ([]hedge.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hedge.Record(nil), m.records...), nil
}

type memHistory struct {
	mu     sync.Mutex
	groups []RecoveryGroup
}

func (m *memHistory) SaveGroup(ctx context.Context, g RecoveryGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, g)
	return nil
}

type harness struct {
	paper    *broker.PaperBroker
	flaky    *flakyBroker
	resolver *scriptedResolver
	tracker  *hedge.Tracker
	gate     *countingGate
	state    *memState
	history  *memHistory
	clock    *testClock
	mon      *Monitor
}

func testRecoveryConfig() config.RecoveryConfig {
	cfg := config.DefaultRecoveryConfig()
	cfg.LossUSD = 25
	cfg.LossPct = 0.05
	cfg.MinCorrelation = 0.6
	cfg.ProfitTarget = 0
	cfg.Cooldown = config.Duration{Duration: 30 * time.Second}
	cfg.BrokerTimeout = config.Duration{Duration: 100 * time.Millisecond}
	cfg.ShutdownGrace = config.Duration{Duration: 50 * time.Millisecond}
	cfg.TradableSymbols = []string{"EURUSD", "GBPUSD", "USDCHF"}
	return cfg
}

func newHarness(t *testing.T, cfg config.RecoveryConfig) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}

	paper := broker.NewPaperBroker(10000)
	paper.SetClock(clock.Now)
	paper.SetCurrencyValue("EUR", 1.10)
	paper.SetCurrencyValue("GBP", 1.27)
	paper.SetCurrencyValue("CHF", 1.12)
	for _, s := range []string{"EURUSD", "GBPUSD", "USDCHF"} {
		require.NoError(t, paper.AddSymbol(s, 1))
	}
	flaky := &flakyBroker{PaperBroker: paper, release: make(chan struct{})}

	resolver := &scriptedResolver{values: make(map[correlation.PairKey]float64)}
	resolver.Set("EURUSD", "USDCHF", -0.87)
	resolver.Set("GBPUSD", "USDCHF", -0.80)
	resolver.Set("EURUSD", "GBPUSD", 0.40)

	logger := zerolog.Nop()
	tracker := hedge.NewTracker(logger)
	tracker.SetClock(clock.Now)
	sizer := sizing.NewSizer(sizing.Config{HedgeMultiplier: cfg.HedgeMultiplier}, nil, logger)
	sel := selector.NewSelector(resolver, sizer, nil, logger)

	h := &harness{
		paper:    paper,
		flaky:    flaky,
		resolver: resolver,
		tracker:  tracker,
		gate:     &countingGate{},
		state:    &memState{},
		history:  &memHistory{},
		clock:    clock,
	}
	h.mon = New(cfg, flaky, resolver, sel, tracker, logger)
	h.mon.SetClock(clock.Now)
	h.mon.SetGate(h.gate)
	h.mon.SetStateStore(h.state)
	h.mon.SetHistoryStore(h.history)
	return h
}

func (h *harness) openLosing(t *testing.T, symbol string, magic int, pnl float64) int64 {
	t.Helper()
	ticket, err := h.paper.OpenPosition(symbol, broker.Long, 0.1, magic, "")
	require.NoError(t, err)
	require.NoError(t, h.paper.SetProfit(ticket, pnl))
	return ticket
}

func (h *harness) cycle(t *testing.T) *CycleReport {
	t.Helper()
	report, err := h.mon.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

var manualEUR = hedge.Key{Group: broker.ManualGroup, Symbol: "EURUSD"}

// ==================== scenarios ====================

func TestMonitor_RecoveryOpensAndClosesOnProfit(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	orig := h.openLosing(t, "EURUSD", 0, -30)

	report := h.cycle(t)
	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.LossesDetected)
	assert.Equal(t, 1, report.RecoveriesOpened)
	assert.Equal(t, hedge.StateActive, h.tracker.State(manualEUR))

	groups := h.mon.GetRecoveryGroupSummaries()
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, "USDCHF", g.Hedge.Symbol)
	assert.Equal(t, broker.Long, g.Hedge.Direction, "negative correlation hedges in the same direction")
	assert.InDelta(t, 0.10, g.Hedge.Volume, 1e-9)
	assert.InDelta(t, -0.87, g.EntryCorrelation, 1e-9)
	assert.Equal(t, GroupOpen, g.Status)

	positions, err := h.paper.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	marker, err := broker.ParseRecoveryComment(positions[1].Comment)
	require.NoError(t, err)
	assert.Equal(t, orig, marker.OriginalTicket)
	assert.Equal(t, 234000, positions[1].Magic)

	// hedge gains +40 against the original's -30
	require.NoError(t, h.paper.SetProfit(g.Hedge.Ticket, 40))
	report = h.cycle(t)
	assert.Equal(t, 1, report.GroupsClosed)

	groups = h.mon.GetRecoveryGroupSummaries()
	require.Len(t, groups, 1)
	assert.Equal(t, GroupClosed, groups[0].Status)
	assert.Equal(t, ReasonProfitTarget, groups[0].CloseReason)
	assert.InDelta(t, 10, groups[0].CombinedPnL, 1e-9)
	assert.Len(t, h.paper.ClosedPositions(), 2)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))

	require.Len(t, h.history.groups, 1)
	assert.Equal(t, 1, h.gate.successes)
	require.Len(t, h.gate.results, 1)
	assert.InDelta(t, 0.1, h.gate.results[0], 1e-9)

	// the original is gone, so the key is dropped on the next pass
	report = h.cycle(t)
	assert.Equal(t, 1, report.Forgotten)
}

func TestMonitor_OrderTimeoutResetsLock(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.flaky.hang.Store(true)

	report := h.cycle(t)
	assert.Equal(t, 1, report.OrderErrors)
	assert.Equal(t, 0, report.RecoveriesOpened)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR), "timed out order must not leave the key locked")
	assert.Equal(t, 1, h.gate.failures)
	assert.False(t, h.mon.isInFlight(manualEUR))
}

func TestMonitor_CorrelationBreakdownClosesEarly(t *testing.T) {
	cfg := testRecoveryConfig()
	h := newHarness(t, cfg)
	h.resolver.Set("EURUSD", "USDCHF", -0.85)
	h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)

	g := h.mon.GetRecoveryGroupSummaries()[0]
	require.NoError(t, h.paper.SetProfit(g.Hedge.Ticket, -5))

	// still correlated: hold
	report := h.cycle(t)
	assert.Equal(t, 0, report.GroupsClosed)

	h.resolver.Set("EURUSD", "USDCHF", -0.55)
	report = h.cycle(t)
	assert.Equal(t, 1, report.GroupsClosed)
	closed := h.mon.GetRecoveryGroupSummaries()[0]
	assert.Equal(t, ReasonCorrelationBreakdown, closed.CloseReason)
	assert.InDelta(t, -0.55, closed.LastCorrelation, 1e-9)
	assert.InDelta(t, -35, closed.CombinedPnL, 1e-9)
}

func TestMonitor_SignFlipIsBreakdown(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)
	g := h.mon.GetRecoveryGroupSummaries()[0]
	require.NoError(t, h.paper.SetProfit(g.Hedge.Ticket, -5))

	h.resolver.Set("EURUSD", "USDCHF", 0.9)
	h.cycle(t)
	assert.Equal(t, ReasonCorrelationBreakdown, h.mon.GetRecoveryGroupSummaries()[0].CloseReason)
}

func TestMonitor_MaxHold(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)
	g := h.mon.GetRecoveryGroupSummaries()[0]
	require.NoError(t, h.paper.SetProfit(g.Hedge.Ticket, -5))

	h.clock.Advance(25 * time.Hour)
	h.cycle(t)
	assert.Equal(t, ReasonMaxHold, h.mon.GetRecoveryGroupSummaries()[0].CloseReason)
}

func TestMonitor_RejectionAndCooldown(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.paper.RejectOrders("USDCHF", "not enough money")

	report := h.cycle(t)
	assert.Equal(t, 1, report.OrdersRejected)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))

	t.Run("cooldown suppresses re-evaluation", func(t *testing.T) {
		h.paper.RejectOrders("USDCHF", "")
		report := h.cycle(t)
		assert.Equal(t, 0, report.LossesDetected)
	})

	t.Run("key is retried after cooldown", func(t *testing.T) {
		h.clock.Advance(31 * time.Second)
		report := h.cycle(t)
		assert.Equal(t, 1, report.RecoveriesOpened)
		assert.Equal(t, hedge.StateActive, h.tracker.State(manualEUR))
	})
}

func TestMonitor_LossThresholds(t *testing.T) {
	cases := []struct {
		name    string
		lossPct float64
		lossUSD float64
		pnl     float64
		want    bool
	}{
		{"usd threshold crossed", 0, 25, -30, true},
		{"usd threshold not crossed", 0, 25, -20, false},
		{"percent threshold crossed", 0.002, 0, -30, true},
		{"percent threshold not crossed", 0.005, 0, -30, false},
		{"either threshold", 0.005, 25, -30, true},
		{"profit never triggers", 0.001, 1, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testRecoveryConfig()
			cfg.LossPct, cfg.LossUSD = tc.lossPct, tc.lossUSD
			m := New(cfg, nil, nil, nil, hedge.NewTracker(zerolog.Nop()), zerolog.Nop())
			got := m.isLosing(broker.Position{Profit: tc.pnl}, broker.Account{Balance: 10000})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMonitor_ErroredKeyDoesNotHaltCycle(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.openLosing(t, "GBPUSD", 0, -40)
	h.tracker.MarkError(manualEUR, "activate on AVAILABLE")

	report := h.cycle(t)
	assert.Equal(t, 1, report.RecoveriesOpened)
	assert.Equal(t, hedge.StateError, h.tracker.State(manualEUR))
	assert.Equal(t, hedge.StateActive, h.tracker.State(hedge.Key{Group: broker.ManualGroup, Symbol: "GBPUSD"}))
}

func TestMonitor_GroupFromMagic(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 234003, -30)
	h.cycle(t)
	assert.Equal(t, hedge.StateActive, h.tracker.State(hedge.Key{Group: "triangle_3", Symbol: "EURUSD"}))
}

func TestMonitor_CircuitBreakerBlocksNewRecoveries(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.gate.blocked = true
	h.openLosing(t, "EURUSD", 0, -30)

	report := h.cycle(t)
	assert.Equal(t, 1, report.RecoveriesSkipped)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))
}

func TestMonitor_AdoptsLiveRecoveryLeg(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	orig := h.openLosing(t, "EURUSD", 0, -30)
	comment := broker.RecoveryMarker{Group: broker.ManualGroup, OriginalSymbol: "EURUSD", OriginalTicket: orig}.Comment()
	hedgeTicket, err := h.paper.OpenPosition("USDCHF", broker.Long, 0.1, 234000, comment)
	require.NoError(t, err)
	require.NoError(t, h.paper.SetProfit(hedgeTicket, -1))

	report := h.cycle(t)
	assert.Equal(t, 1, report.Adopted)
	assert.Equal(t, 0, report.RecoveriesOpened, "adopted key must not be hedged twice")

	groups := h.mon.GetRecoveryGroupSummaries()
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Adopted)
	assert.Equal(t, orig, groups[0].Original.Ticket)
	assert.Equal(t, hedgeTicket, groups[0].Hedge.Ticket)
}

func TestMonitor_HedgeClosedExternally(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)
	g := h.mon.GetRecoveryGroupSummaries()[0]

	h.paper.RemovePosition(g.Hedge.Ticket)
	report := h.cycle(t)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.GroupsClosed)

	closed := h.mon.GetRecoveryGroupSummaries()[0]
	assert.Equal(t, ReasonHedgeClosed, closed.CloseReason)
	assert.Empty(t, h.paper.ClosedPositions(), "the original stays open")
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))
}

func TestMonitor_OriginalClosedExternally(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	orig := h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)
	g := h.mon.GetRecoveryGroupSummaries()[0]

	h.paper.RemovePosition(orig)
	h.cycle(t)

	closed := h.mon.GetRecoveryGroupSummaries()[0]
	assert.Equal(t, ReasonOriginalClosed, closed.CloseReason)
	require.Len(t, h.paper.ClosedPositions(), 1)
	assert.Equal(t, g.Hedge.Ticket, h.paper.ClosedPositions()[0].Ticket)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))
}

func TestMonitor_PersistAndRestore(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.cycle(t)
	require.NotEmpty(t, h.state.records)

	// a fresh monitor over the same broker rebuilds the group from the store
	restored := hedge.NewTracker(zerolog.Nop())
	restored.SetClock(h.clock.Now)
	sel := selector.NewSelector(h.resolver, sizing.NewSizer(sizing.DefaultConfig(), nil, zerolog.Nop()), nil, zerolog.Nop())
	m := New(testRecoveryConfig(), h.paper, h.resolver, sel, restored, zerolog.Nop())
	m.SetStateStore(h.state)
	m.SetClock(h.clock.Now)

	n, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecoveriesOpened)
	assert.Equal(t, hedge.StateActive, restored.State(manualEUR))
	require.Len(t, m.GetRecoveryGroupSummaries(), 1)
}

func TestMonitor_ResetKey(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.tracker.MarkError(manualEUR, "stuck")

	prev, err := h.mon.ResetKey(manualEUR)
	require.NoError(t, err)
	assert.Equal(t, hedge.StateError, prev)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))

	_, err = h.mon.ResetKey(hedge.Key{Group: "manual", Symbol: "NZDUSD"})
	assert.ErrorIs(t, err, hedge.ErrUnknownKey)
}

func TestMonitor_ShutdownWithOrderInFlight(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.BrokerTimeout = config.Duration{Duration: 5 * time.Second}
	h := newHarness(t, cfg)
	h.openLosing(t, "EURUSD", 0, -30)
	h.flaky.entered = make(chan struct{}, 1)
	h.flaky.hang.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.mon.RunCycle(context.Background())
	}()
	<-h.flaky.entered

	_, err := h.mon.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.True(t, h.mon.isInFlight(manualEUR))

	err = h.mon.Shutdown(context.Background())
	assert.Error(t, err, "grace period expires while the order hangs")
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))

	// the snapshot written on shutdown holds the forced reset
	saved, err := h.state.LoadRecords(context.Background())
	require.NoError(t, err)
	found := false
	for _, rec := range saved {
		if rec.Key == manualEUR {
			found = true
			assert.Equal(t, hedge.StateAvailable, rec.State)
		}
	}
	assert.True(t, found)

	// the late fill arrives after the forced reset and is not silently adopted
	close(h.flaky.release)
	<-done
	assert.Equal(t, hedge.StateError, h.tracker.State(manualEUR))

	_, err = h.mon.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMonitor_CancelledCycleOpensNothing(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)
	h.openLosing(t, "GBPUSD", 0, -30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, _ := h.mon.RunCycle(ctx)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.RecoveriesOpened)
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(manualEUR))
	assert.Equal(t, hedge.StateAvailable, h.tracker.State(hedge.Key{Group: broker.ManualGroup, Symbol: "GBPUSD"}))

	positions, err := h.paper.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 2, "no hedge legs placed")

	// the next healthy cycle picks the losses up
	report = h.cycle(t)
	assert.Equal(t, 2, report.RecoveriesOpened)
}

func TestMonitor_NoInFlightWorkAfterShutdown(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())

	done, ok := h.mon.beginInFlight(manualEUR)
	require.True(t, ok)
	done()

	require.NoError(t, h.mon.Shutdown(context.Background()))

	_, ok = h.mon.beginInFlight(manualEUR)
	assert.False(t, ok)
	assert.False(t, h.mon.isInFlight(manualEUR))
}

func TestMonitor_CyclesRacingShutdown(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	h.openLosing(t, "EURUSD", 0, -30)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := h.mon.RunCycle(context.Background()); errors.Is(err, ErrStopped) {
					return
				}
			}
		}()
	}
	assert.NotPanics(t, func() { _ = h.mon.Shutdown(context.Background()) })
	wg.Wait()

	_, err := h.mon.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMonitor_StrandedLegReportedOnce(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	bus := events.NewEventBus()
	var stranded atomic.Int32
	bus.Subscribe(events.EventStrandedLeg, func(e events.Event) {
		stranded.Add(1)
	})
	h.mon.SetEventBus(bus)

	ticket, err := h.paper.OpenPosition("USDCHF", broker.Long, 0.1, broker.DefaultBaseMagic, "RECOVERY_G1_EURUSD")
	require.NoError(t, err)

	report := h.cycle(t)
	assert.Equal(t, 1, report.Stranded)
	assert.Equal(t, 0, report.Registered, "a recovery leg is never an original")

	h.clock.Advance(time.Minute)
	report = h.cycle(t)
	assert.Equal(t, 1, report.Stranded)

	require.Eventually(t, func() bool { return stranded.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), stranded.Load(), "alert is raised once per ticket")

	// closing the leg by hand clears it
	h.paper.RemovePosition(ticket)
	report = h.cycle(t)
	assert.Equal(t, 0, report.Stranded)
	assert.Empty(t, h.mon.stranded)
}

func TestMonitor_StartAndShutdown(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.CheckInterval = config.Duration{Duration: 10 * time.Millisecond}
	h := newHarness(t, cfg)
	h.openLosing(t, "EURUSD", 0, -30)

	require.NoError(t, h.mon.Start(context.Background()))
	assert.Error(t, h.mon.Start(context.Background()))

	require.Eventually(t, func() bool {
		return h.tracker.State(manualEUR) == hedge.StateActive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mon.Shutdown(context.Background()))
	assert.ErrorIs(t, h.mon.Start(context.Background()), ErrStopped)
}

func TestBreakdown(t *testing.T) {
	assert.False(t, breakdown(-0.85, -0.80, 0.6))
	assert.True(t, breakdown(-0.85, -0.55, 0.6))
	assert.True(t, breakdown(-0.85, 0.70, 0.6))
	assert.True(t, breakdown(0.75, -0.75, 0.6))
	assert.False(t, breakdown(0, 0.65, 0.6))
}
