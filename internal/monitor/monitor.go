// Package monitor runs the recovery cycle. Each cycle reconciles the hedge
// tracker with the broker, opens recovery legs for losing positions and
// closes recovery groups whose exit conditions are met.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"correlation-recovery-bot/config"
	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/events"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/logging"
	"correlation-recovery-bot/internal/selector"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while one runs
	ErrCycleInProgress = errors.New("monitor cycle already in progress")
	// ErrStopped is returned after Shutdown
	ErrStopped = errors.New("monitor stopped")
)

const closedHistoryLimit = 100

// Resolver recomputes correlations for open groups
type Resolver interface {
	Resolve(ctx context.Context, symbolA, symbolB string, lookback int) correlation.Sample
}

// CandidateSelector proposes a recovery leg
type CandidateSelector interface {
	Select(ctx context.Context, original broker.Position, symbols []string, c selector.Constraints) *selector.Candidate
}

// Gate decides whether new recoveries may start and learns from outcomes
type Gate interface {
	CanOpenRecovery() (bool, string)
	RecordOrderFailure(reason string)
	RecordOrderSuccess()
	RecordRecoveryResult(pnlPercent float64)
}

// StateStore persists tracker records between restarts
type StateStore interface {
	SaveRecords(ctx context.Context, records []hedge.Record) error
	LoadRecords(ctx context.Context) ([]hedge.Record, error)
}

// HistoryStore archives closed recovery groups
type HistoryStore interface {
	SaveGroup(ctx context.Context, group RecoveryGroup) error
}

// Observer receives cycle outcomes, typically for metrics
type Observer interface {
	ObserveCycle(report CycleReport, stats hedge.Stats)
	ObserveOrder(result string)
	ObserveGroupClosed(reason string, combinedPnL float64)
}

// Order results passed to Observer.ObserveOrder
const (
	OrderOpened   = "opened"
	OrderRejected = "rejected"
	OrderFailed   = "failed"
)

// CycleReport summarises one cycle
type CycleReport struct {
	ID                string        `json:"id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Positions         int           `json:"positions"`
	Registered        int           `json:"registered"`
	Forgotten         int           `json:"forgotten"`
	Released          int           `json:"released"`
	Adopted           int           `json:"adopted"`
	Stranded          int           `json:"stranded"`
	StaleReset        int           `json:"stale_reset"`
	LossesDetected    int           `json:"losses_detected"`
	RecoveriesOpened  int           `json:"recoveries_opened"`
	RecoveriesSkipped int           `json:"recoveries_skipped"`
	OrdersRejected    int           `json:"orders_rejected"`
	OrderErrors       int           `json:"order_errors"`
	GroupsClosed      int           `json:"groups_closed"`
}

// Monitor orchestrates recovery. RunCycle never overlaps with itself.
type Monitor struct {
	cfg      config.RecoveryConfig
	broker   broker.Broker
	resolver Resolver
	selector CandidateSelector
	tracker  *hedge.Tracker
	logger   zerolog.Logger

	gate     Gate
	state    StateStore
	history  HistoryStore
	observer Observer
	bus      *events.EventBus

	cycleMu sync.Mutex

	mu       sync.Mutex
	groups   map[hedge.Key]*RecoveryGroup // owned by the running cycle
	open     []RecoveryGroup
	closed   []RecoveryGroup
	lastEval map[hedge.Key]time.Time
	stranded map[int64]bool // tickets already reported, owned by the running cycle
	now      func() time.Time

	inflightMu sync.Mutex
	inflight   map[hedge.Key]int
	inflightWG sync.WaitGroup

	runMu    sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopped  bool
}

// New creates a monitor. cfg is copied and never modified.
func New(cfg config.RecoveryConfig, b broker.Broker, resolver Resolver, sel CandidateSelector, tracker *hedge.Tracker, logger zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		broker:   b,
		resolver: resolver,
		selector: sel,
		tracker:  tracker,
		logger:   logger.With().Str("component", "RecoveryMonitor").Logger(),
		groups:   make(map[hedge.Key]*RecoveryGroup),
		lastEval: make(map[hedge.Key]time.Time),
		stranded: make(map[int64]bool),
		inflight: make(map[hedge.Key]int),
		now:      time.Now,
	}
}

// SetGate installs the recovery gate (circuit breaker)
func (m *Monitor) SetGate(g Gate) { m.gate = g }

// SetStateStore installs tracker persistence
func (m *Monitor) SetStateStore(s StateStore) { m.state = s }

// SetHistoryStore installs closed-group archiving
func (m *Monitor) SetHistoryStore(h HistoryStore) { m.history = h }

// SetObserver installs the metrics observer
func (m *Monitor) SetObserver(o Observer) { m.observer = o }

// SetEventBus installs the event bus
func (m *Monitor) SetEventBus(bus *events.EventBus) { m.bus = bus }

// SetClock overrides the time source
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Monitor) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

// Restore loads persisted tracker records. Call before the first cycle; the
// first Sync then reconciles them against the broker.
func (m *Monitor) Restore(ctx context.Context) (int, error) {
	if m.state == nil {
		return 0, nil
	}
	records, err := m.state.LoadRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load hedge records: %w", err)
	}
	return m.tracker.Restore(records), nil
}

// Start runs cycles every CheckInterval until ctx is cancelled or Shutdown
// is called
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.cancel != nil {
		return fmt.Errorf("monitor already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loopDone = make(chan struct{})

	m.logger.Info().
		Dur("interval", m.cfg.CheckInterval.Duration).
		Float64("loss_pct", m.cfg.LossPct).
		Float64("loss_usd", m.cfg.LossUSD).
		Float64("min_correlation", m.cfg.MinCorrelation).
		Msg("Recovery monitor started")

	go m.runLoop(loopCtx, m.loopDone)
	return nil
}

func (m *Monitor) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("Recovery cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the loop and waits up to ShutdownGrace for in-flight
// orders. Keys whose orders are still pending after the grace period are
// force reset.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.runMu.Lock()
	m.stopped = true
	cancel, loopDone := m.cancel, m.loopDone
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
	}

	idle := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		m.inflightWG.Wait()
		close(idle)
	}()

	timer := time.NewTimer(m.cfg.ShutdownGrace.Duration)
	defer timer.Stop()

	// final snapshot so a restart resumes from the settled state
	defer m.persist(context.WithoutCancel(ctx), m.logger)

	select {
	case <-idle:
		m.logger.Info().Msg("Recovery monitor stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	for _, key := range m.inflightKeys() {
		if _, err := m.tracker.Reset(key); err == nil {
			m.logger.Warn().Str("key", key.String()).Msg("Order still in flight at shutdown, lock force reset")
		}
	}
	return fmt.Errorf("shutdown grace period expired with orders in flight")
}

// RunCycle performs one reconciliation and evaluation pass
func (m *Monitor) RunCycle(ctx context.Context) (*CycleReport, error) {
	m.runMu.Lock()
	stopped := m.stopped
	m.runMu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if !m.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer m.cycleMu.Unlock()

	ctx, logger, cycleID := logging.WithCycle(ctx, m.logger)
	start := m.clock()
	report := &CycleReport{ID: cycleID, StartedAt: start}

	acct, positions, err := m.snapshot(ctx)
	if err != nil {
		return report, err
	}
	report.Positions = len(positions)

	// Reconcile before any locking decision
	reconciled := m.tracker.Sync(positions)
	report.Released = len(reconciled.Released)
	report.Adopted = len(reconciled.Adopted)
	report.Stranded = len(reconciled.Stranded)
	m.publishSync(logger, reconciled)

	report.StaleReset = len(m.tracker.CleanupStale(m.cfg.StaleLockAge.Duration, m.isInFlight))

	originals := m.registerOriginals(positions, report)
	m.ensureGroups(ctx, positions, cycleID)
	m.handleReleased(ctx, logger, reconciled.Released, *acct, report)

	m.evaluateLosses(ctx, logger, *acct, originals, cycleID, report)
	m.evaluateCloses(ctx, logger, *acct, positions, cycleID, report)

	m.persist(ctx, logger)
	m.publishSummaries()

	report.Duration = m.clock().Sub(start)
	stats := m.tracker.Stats()
	if m.observer != nil {
		m.observer.ObserveCycle(*report, stats)
	}
	m.bus.PublishCycleCompleted(cycleID, report.Duration, map[string]interface{}{
		"positions":         report.Positions,
		"recoveries_opened": report.RecoveriesOpened,
		"groups_closed":     report.GroupsClosed,
		"available":         stats.Available,
		"hedging":           stats.Hedging,
		"active":            stats.Active,
		"error":             stats.Error,
	})

	logger.Debug().
		Int("positions", report.Positions).
		Int("losses", report.LossesDetected).
		Int("opened", report.RecoveriesOpened).
		Int("closed", report.GroupsClosed).
		Dur("duration", report.Duration).
		Msg("Recovery cycle complete")
	return report, nil
}

func (m *Monitor) snapshot(ctx context.Context) (*broker.Account, []broker.Position, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout.Duration)
	defer cancel()

	acct, err := m.broker.GetAccountState(callCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get account state: %w", err)
	}
	positions, err := m.broker.GetOpenPositions(callCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	return acct, positions, nil
}

// KeyFor returns the tracker key of an original position
func (m *Monitor) KeyFor(p broker.Position) hedge.Key {
	return hedge.Key{
		Group:  broker.GroupFromMagic(p.Magic, m.cfg.BaseMagic),
		Symbol: broker.NormalizeSymbol(p.Symbol),
	}
}

// registerOriginals registers every original position as a key and forgets
// AVAILABLE keys whose position is gone
func (m *Monitor) registerOriginals(positions []broker.Position, report *CycleReport) []broker.Position {
	originals := make([]broker.Position, 0, len(positions))
	live := make(map[hedge.Key]bool)
	for _, p := range positions {
		if p.IsRecoveryLeg() {
			continue
		}
		originals = append(originals, p)
		key := m.KeyFor(p)
		live[key] = true
		if m.tracker.Register(key, p.Ticket) {
			report.Registered++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.tracker.Records() {
		if live[rec.Key] || rec.State != hedge.StateAvailable {
			continue
		}
		if _, open := m.groups[rec.Key]; open {
			continue
		}
		if m.tracker.Forget(rec.Key) {
			delete(m.lastEval, rec.Key)
			report.Forgotten++
		}
	}

	sort.Slice(originals, func(i, j int) bool { return originals[i].Ticket < originals[j].Ticket })
	return originals
}

// ensureGroups creates groups for ACTIVE records that have none, which
// covers adopted legs and records restored after a restart
func (m *Monitor) ensureGroups(ctx context.Context, positions []broker.Position, cycleID string) {
	byTicket := make(map[int64]broker.Position, len(positions))
	for _, p := range positions {
		byTicket[p.Ticket] = p
	}

	for _, rec := range m.tracker.Records() {
		if rec.State != hedge.StateActive {
			continue
		}
		m.mu.Lock()
		_, exists := m.groups[rec.Key]
		m.mu.Unlock()
		if exists {
			continue
		}

		hedgePos, ok := byTicket[rec.HedgeTicket]
		if !ok {
			continue
		}
		g := &RecoveryGroup{
			ID:          uuid.NewString(),
			Key:         rec.Key,
			Hedge:       legFrom(hedgePos),
			Status:      GroupOpen,
			OpenedAt:    hedgePos.OpenTime,
			Adopted:     true,
			openedCycle: cycleID,
		}
		if g.OpenedAt.IsZero() {
			g.OpenedAt = m.clock()
		}
		if orig, ok := byTicket[rec.OriginalTicket]; ok && !orig.IsRecoveryLeg() {
			g.Original = legFrom(orig)
		} else {
			g.Original = Leg{Ticket: rec.OriginalTicket, Symbol: rec.Key.Symbol, Closed: true}
		}

		sample := m.resolver.Resolve(ctx, rec.Key.Symbol, hedgePos.Symbol, m.cfg.HistoricalBars)
		g.EntryCorrelation = sample.Value
		g.LastCorrelation = sample.Value
		g.CorrelationSource = sample.Source
		g.refreshPnL()

		m.mu.Lock()
		m.groups[rec.Key] = g
		m.mu.Unlock()

		m.logger.Info().
			Str("group_id", g.ID).
			Str("key", rec.Key.String()).
			Int64("hedge_ticket", rec.HedgeTicket).
			Msg("Recovery group rebuilt from live hedge")
	}
}

// handleReleased closes groups whose hedge leg vanished at the broker. The
// original stays open and becomes eligible for a new recovery.
func (m *Monitor) handleReleased(ctx context.Context, logger zerolog.Logger, released []hedge.Key, acct broker.Account, report *CycleReport) {
	for _, key := range released {
		m.mu.Lock()
		g, ok := m.groups[key]
		m.mu.Unlock()
		if !ok {
			continue
		}
		g.Hedge.Closed = true
		if g.Status == GroupOpen {
			g.Status = GroupClosing
			g.CloseReason = ReasonHedgeClosed
		}
		if g.done() {
			m.finalize(ctx, logger.With().Str("group_id", g.ID).Str("key", key.String()).Logger(), g, acct)
			report.GroupsClosed++
		}
	}
}

func (m *Monitor) evaluateLosses(ctx context.Context, logger zerolog.Logger, acct broker.Account, originals []broker.Position, cycleID string, report *CycleReport) {
	now := m.clock()
	for _, p := range originals {
		// an aborted cycle starts no new recoveries
		if ctx.Err() != nil {
			return
		}
		key := m.KeyFor(p)
		if m.tracker.State(key) != hedge.StateAvailable {
			continue
		}

		m.mu.Lock()
		_, grouped := m.groups[key]
		last, seen := m.lastEval[key]
		m.mu.Unlock()
		if grouped {
			continue
		}
		if seen && now.Sub(last) < m.cfg.Cooldown.Duration {
			continue
		}
		if !m.isLosing(p, acct) {
			continue
		}

		m.mu.Lock()
		m.lastEval[key] = now
		m.mu.Unlock()

		report.LossesDetected++
		m.tryRecover(ctx, logger, p, key, cycleID, report)
	}
}

// isLosing compares the loss against both thresholds. A zero threshold is
// disabled.
func (m *Monitor) isLosing(p broker.Position, acct broker.Account) bool {
	if p.Profit >= 0 {
		return false
	}
	if m.cfg.LossUSD > 0 && p.Profit <= -m.cfg.LossUSD {
		return true
	}
	if m.cfg.LossPct > 0 && acct.Balance > 0 && p.Profit/acct.Balance <= -m.cfg.LossPct {
		return true
	}
	return false
}

func (m *Monitor) constraints() selector.Constraints {
	return selector.Constraints{
		MinCorrelation:    m.cfg.MinCorrelation,
		MaxUsagePerSymbol: m.cfg.MaxUsagePerSymbol,
		MaxSpreadPips:     m.cfg.MaxSpreadPips,
		Weights: selector.Weights{
			Correlation: m.cfg.Weights.Correlation,
			Spread:      m.cfg.Weights.Spread,
			Repetition:  m.cfg.Weights.Repetition,
		},
		Usage: m.tracker.HedgeUsage(),
	}
}

// tryRecover runs lock, order, then activate or reset for one key
func (m *Monitor) tryRecover(ctx context.Context, logger zerolog.Logger, p broker.Position, key hedge.Key, cycleID string, report *CycleReport) {
	log := logger.With().Str("key", key.String()).Int64("ticket", p.Ticket).Float64("pnl", p.Profit).Logger()

	if m.gate != nil {
		if ok, reason := m.gate.CanOpenRecovery(); !ok {
			report.RecoveriesSkipped++
			log.Warn().Str("reason", reason).Msg("Recovery blocked by circuit breaker")
			m.publishSkipped(key, p.Symbol, reason)
			return
		}
	}

	cand := m.selector.Select(ctx, p, m.cfg.TradableSymbols, m.constraints())
	if cand == nil {
		report.RecoveriesSkipped++
		log.Info().Msg("No recovery candidate passed the filters")
		m.publishSkipped(key, p.Symbol, "no_candidate")
		return
	}

	if ctx.Err() != nil {
		log.Info().Err(ctx.Err()).Msg("Cycle aborted before the hedge order was sent")
		return
	}

	lease, ok := m.tracker.Acquire(key)
	if !ok {
		return
	}
	defer lease.Release()

	done, ok := m.beginInFlight(key)
	if !ok {
		log.Info().Msg("Monitor stopping, hedge order not sent")
		return
	}
	defer done()

	marker := broker.RecoveryMarker{Group: key.Group, OriginalSymbol: key.Symbol, OriginalTicket: p.Ticket}
	if !marker.Fits() {
		log.Warn().Str("comment", marker.Comment()).Msg("Recovery marker longer than the broker comment limit, leg may not be adopted after a restart")
	}
	req := broker.OrderRequest{
		Symbol:    cand.Symbol,
		Direction: cand.Direction,
		Volume:    cand.Volume,
		Magic:     m.cfg.BaseMagic,
		Comment:   marker.Comment(),
	}

	// The order outlives cycle cancellation so its outcome is always recorded
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.BrokerTimeout.Duration)
	defer cancel()

	ticket, err := m.broker.PlaceOrder(orderCtx, req)
	if err != nil {
		m.orderFailed(log, key, req, err, report)
		return
	}

	if err := lease.Activate(ticket, cand.Symbol); err != nil {
		log.Error().Err(err).Int64("hedge_ticket", ticket).Msg("Hedge placed but activation failed")
		m.bus.PublishInvariantViolation(key.String(), err)
		return
	}

	if m.gate != nil {
		m.gate.RecordOrderSuccess()
	}
	if m.observer != nil {
		m.observer.ObserveOrder(OrderOpened)
	}
	report.RecoveriesOpened++

	g := &RecoveryGroup{
		ID:                uuid.NewString(),
		Key:               key,
		Original:          legFrom(p),
		Hedge:             Leg{Ticket: ticket, Symbol: cand.Symbol, Direction: cand.Direction, Volume: cand.Volume},
		EntryCorrelation:  cand.Correlation.Value,
		CorrelationSource: cand.Correlation.Source,
		LastCorrelation:   cand.Correlation.Value,
		Status:            GroupOpen,
		OpenedAt:          m.clock(),
		openedCycle:       cycleID,
	}
	g.refreshPnL()

	m.mu.Lock()
	m.groups[key] = g
	m.mu.Unlock()

	log.Info().
		Str("group_id", g.ID).
		Str("hedge_symbol", cand.Symbol).
		Str("direction", string(cand.Direction)).
		Float64("volume", cand.Volume).
		Float64("correlation", cand.Correlation.Value).
		Str("source", string(cand.Correlation.Source)).
		Int64("hedge_ticket", ticket).
		Msg("Recovery opened")
	m.bus.PublishRecoveryOpened(g.ID, key.String(), p.Symbol, cand.Symbol, string(cand.Direction), cand.Volume, cand.Correlation.Value)
}

func (m *Monitor) orderFailed(log zerolog.Logger, key hedge.Key, req broker.OrderRequest, err error, report *CycleReport) {
	if m.gate != nil {
		m.gate.RecordOrderFailure(err.Error())
	}
	if errors.Is(err, broker.ErrOrderRejected) {
		report.OrdersRejected++
		log.Warn().Err(err).Str("hedge_symbol", req.Symbol).Msg("Hedge order rejected, lock released")
		m.bus.PublishOrderRejected(key.String(), req.Symbol, err)
		if m.observer != nil {
			m.observer.ObserveOrder(OrderRejected)
		}
		return
	}
	report.OrderErrors++
	log.Error().Err(err).Str("hedge_symbol", req.Symbol).Bool("transient", broker.IsTransient(err)).Msg("Hedge order failed, lock released")
	m.bus.PublishError("monitor", "hedge order failed for "+key.String(), err)
	if m.observer != nil {
		m.observer.ObserveOrder(OrderFailed)
	}
}

func (m *Monitor) evaluateCloses(ctx context.Context, logger zerolog.Logger, acct broker.Account, positions []broker.Position, cycleID string, report *CycleReport) {
	byTicket := make(map[int64]broker.Position, len(positions))
	for _, p := range positions {
		byTicket[p.Ticket] = p
	}

	for _, g := range m.openGroups() {
		// Positions were read before this cycle's orders
		if g.openedCycle == cycleID && !g.Adopted {
			continue
		}
		log := logger.With().Str("group_id", g.ID).Str("key", g.Key.String()).Logger()

		if orig, ok := byTicket[g.Original.Ticket]; ok && !g.Original.Closed {
			g.Original.PnL = orig.Profit
		} else if !g.Original.Closed {
			g.Original.Closed = true
		}
		if h, ok := byTicket[g.Hedge.Ticket]; ok && !g.Hedge.Closed {
			g.Hedge.PnL = h.Profit
		} else if !g.Hedge.Closed {
			g.Hedge.Closed = true
		}
		g.refreshPnL()

		if g.Status == GroupOpen {
			reason := m.closeReason(ctx, g)
			if reason == "" {
				continue
			}
			g.Status = GroupClosing
			g.CloseReason = reason
			log.Info().
				Str("reason", reason).
				Float64("combined_pnl", g.CombinedPnL).
				Float64("correlation", g.LastCorrelation).
				Msg("Closing recovery group")
		}

		m.closeLegs(ctx, log, g)
		if g.done() {
			m.finalize(ctx, log, g, acct)
			report.GroupsClosed++
		}
	}
}

// closeReason returns the first exit condition met, or ""
func (m *Monitor) closeReason(ctx context.Context, g *RecoveryGroup) string {
	if g.Original.Closed {
		return ReasonOriginalClosed
	}
	if g.Hedge.Closed {
		return ReasonHedgeClosed
	}
	if g.CombinedPnL >= m.cfg.ProfitTarget {
		return ReasonProfitTarget
	}
	if m.clock().Sub(g.OpenedAt) >= m.cfg.MaxHold.Duration {
		return ReasonMaxHold
	}

	sample := m.resolver.Resolve(ctx, g.Original.Symbol, g.Hedge.Symbol, m.cfg.HistoricalBars)
	g.LastCorrelation = sample.Value
	if breakdown(g.EntryCorrelation, sample.Value, m.cfg.MinCorrelation) {
		return ReasonCorrelationBreakdown
	}
	return ""
}

// closeLegs closes whatever legs are still open. Failures leave the group in
// CLOSING for the next cycle.
func (m *Monitor) closeLegs(ctx context.Context, log zerolog.Logger, g *RecoveryGroup) {
	legs := []*Leg{&g.Hedge}
	if g.CloseReason != ReasonHedgeClosed {
		legs = append(legs, &g.Original)
	}
	for _, leg := range legs {
		if leg.Closed || leg.Ticket == 0 {
			leg.Closed = true
			continue
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.BrokerTimeout.Duration)
		err := m.broker.ClosePosition(callCtx, leg.Ticket)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
			log.Warn().Err(err).Int64("ticket", leg.Ticket).Msg("Failed to close recovery leg, will retry")
			continue
		}
		leg.Closed = true
	}
}

// finalize marks the group closed, frees its key and archives it
func (m *Monitor) finalize(ctx context.Context, log zerolog.Logger, g *RecoveryGroup, acct broker.Account) {
	g.Status = GroupClosed
	g.ClosedAt = m.clock()

	if rec, ok := m.tracker.Get(g.Key); ok && rec.State == hedge.StateActive && rec.HedgeTicket == g.Hedge.Ticket {
		m.tracker.Reset(g.Key)
	}

	m.mu.Lock()
	delete(m.groups, g.Key)
	m.closed = append(m.closed, *g)
	if len(m.closed) > closedHistoryLimit {
		m.closed = m.closed[len(m.closed)-closedHistoryLimit:]
	}
	m.lastEval[g.Key] = g.ClosedAt
	m.mu.Unlock()

	if m.gate != nil && acct.Balance > 0 {
		m.gate.RecordRecoveryResult(g.CombinedPnL / acct.Balance * 100)
	}
	if m.observer != nil {
		m.observer.ObserveGroupClosed(g.CloseReason, g.CombinedPnL)
	}
	if m.history != nil {
		if err := m.history.SaveGroup(ctx, *g); err != nil {
			log.Warn().Err(err).Msg("Failed to archive recovery group")
		}
	}

	log.Info().
		Str("group_id", g.ID).
		Str("reason", g.CloseReason).
		Float64("combined_pnl", g.CombinedPnL).
		Dur("held", g.ClosedAt.Sub(g.OpenedAt)).
		Msg("Recovery group closed")
	m.bus.PublishRecoveryClosed(g.ID, g.Key.String(), g.CloseReason, g.CombinedPnL)
}

func (m *Monitor) persist(ctx context.Context, logger zerolog.Logger) {
	if m.state == nil {
		return
	}
	if err := m.state.SaveRecords(ctx, m.tracker.Records()); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist hedge records")
	}
}

func (m *Monitor) openGroups() []*RecoveryGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RecoveryGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// GetTrackerStatistics returns tracker state counts and counters
func (m *Monitor) GetTrackerStatistics() hedge.Stats {
	return m.tracker.Stats()
}

// GetTrackerRecords returns every hedge record
func (m *Monitor) GetTrackerRecords() []hedge.Record {
	return m.tracker.Records()
}

// GetRecoveryGroupSummaries returns open groups followed by recently closed
// ones, newest first, as of the last completed cycle
func (m *Monitor) GetRecoveryGroupSummaries() []RecoveryGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecoveryGroup, 0, len(m.open)+len(m.closed))
	out = append(out, m.open...)
	for i := len(m.closed) - 1; i >= 0; i-- {
		out = append(out, m.closed[i])
	}
	return out
}

// publishSummaries snapshots open groups for readers outside the cycle
func (m *Monitor) publishSummaries() {
	open := m.openGroups()
	snapshot := make([]RecoveryGroup, 0, len(open))
	for _, g := range open {
		snapshot = append(snapshot, *g)
	}
	m.mu.Lock()
	m.open = snapshot
	m.mu.Unlock()
}

// ResetKey force resets one key and clears its cooldown
func (m *Monitor) ResetKey(key hedge.Key) (hedge.State, error) {
	prev, err := m.tracker.Reset(key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	delete(m.lastEval, key)
	m.mu.Unlock()
	m.bus.Publish(events.Event{
		Type: events.EventKeyReset,
		Data: map[string]interface{}{"key": key.String(), "from": string(prev)},
	})
	return prev, nil
}

// ResetAll force resets every non-AVAILABLE key
func (m *Monitor) ResetAll() int {
	n := m.tracker.ResetAll()
	m.mu.Lock()
	m.lastEval = make(map[hedge.Key]time.Time)
	m.mu.Unlock()
	m.bus.Publish(events.Event{
		Type: events.EventKeyReset,
		Data: map[string]interface{}{"key": "*", "count": n},
	})
	return n
}

// beginInFlight registers an order about to be sent. It refuses once
// Shutdown has begun: the stopped flag and the WaitGroup Add share runMu, so
// no Add can race the Wait in Shutdown.
func (m *Monitor) beginInFlight(key hedge.Key) (func(), bool) {
	m.runMu.Lock()
	if m.stopped {
		m.runMu.Unlock()
		return nil, false
	}
	m.inflightWG.Add(1)
	m.runMu.Unlock()

	m.inflightMu.Lock()
	m.inflight[key]++
	m.inflightMu.Unlock()

	return func() {
		m.inflightMu.Lock()
		if m.inflight[key]--; m.inflight[key] <= 0 {
			delete(m.inflight, key)
		}
		m.inflightMu.Unlock()
		m.inflightWG.Done()
	}, true
}

func (m *Monitor) isInFlight(key hedge.Key) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	return m.inflight[key] > 0
}

func (m *Monitor) inflightKeys() []hedge.Key {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	keys := make([]hedge.Key, 0, len(m.inflight))
	for k := range m.inflight {
		keys = append(keys, k)
	}
	return keys
}

func (m *Monitor) publishSync(logger zerolog.Logger, report hedge.SyncReport) {
	for _, key := range report.Released {
		m.bus.Publish(events.Event{Type: events.EventHedgeReleased, Data: map[string]interface{}{"key": key.String()}})
	}
	for _, key := range report.Adopted {
		m.bus.Publish(events.Event{Type: events.EventHedgeAdopted, Data: map[string]interface{}{"key": key.String()}})
	}

	live := make(map[int64]bool, len(report.Stranded))
	for _, p := range report.Stranded {
		live[p.Ticket] = true
		if m.stranded[p.Ticket] {
			continue
		}
		m.stranded[p.Ticket] = true
		logger.Warn().
			Int64("ticket", p.Ticket).
			Str("symbol", p.Symbol).
			Str("comment", p.Comment).
			Msg("Recovery leg cannot be matched to an original, close or reset it manually")
		m.bus.Publish(events.Event{
			Type: events.EventStrandedLeg,
			Data: map[string]interface{}{
				"ticket":  p.Ticket,
				"symbol":  p.Symbol,
				"comment": p.Comment,
				"profit":  p.Profit,
			},
		})
	}
	for ticket := range m.stranded {
		if !live[ticket] {
			delete(m.stranded, ticket)
		}
	}
}

func (m *Monitor) publishSkipped(key hedge.Key, symbol, reason string) {
	m.bus.Publish(events.Event{
		Type: events.EventRecoverySkipped,
		Data: map[string]interface{}{"key": key.String(), "symbol": symbol, "reason": reason},
	})
}

func legFrom(p broker.Position) Leg {
	return Leg{
		Ticket:    p.Ticket,
		Symbol:    broker.NormalizeSymbol(p.Symbol),
		Direction: p.Direction,
		Volume:    p.Volume,
		PnL:       p.Profit,
	}
}
