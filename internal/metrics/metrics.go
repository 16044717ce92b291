// Package metrics exposes recovery engine metrics in Prometheus format:
//
//	recovery_tracker_keys{state}              hedge records per state (gauge)
//	recovery_tracker_events_total{event}      lifetime tracker counters
//	recovery_cycle_duration_seconds           monitor cycle latency (histogram)
//	recovery_cycles_total                     completed cycles
//	recovery_orders_total{result}             hedge orders by result (opened|rejected|failed)
//	recovery_groups_closed_total{reason}      closed groups by close reason
//	recovery_group_pnl                        combined P&L of closed groups (histogram)
//	recovery_correlations_total{source}       resolved correlations by layer
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/hedge"
	"correlation-recovery-bot/internal/monitor"
)

// Collectors holds every recovery metric
type Collectors struct {
	trackerKeys    *prometheus.GaugeVec
	trackerEvents  *prometheus.GaugeVec
	cycleDuration  prometheus.Histogram
	cycles         prometheus.Counter
	orders         *prometheus.CounterVec
	groupsClosed   *prometheus.CounterVec
	groupPnL       prometheus.Histogram
	correlations   *prometheus.CounterVec
	breakerTripped prometheus.Gauge

	mu sync.Mutex
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		trackerKeys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recovery_tracker_keys",
				Help: "Hedge records per state",
			},
			[]string{"state"},
		),
		// Lifetime counters are owned by the tracker; exported as gauges set
		// from its snapshot.
		trackerEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recovery_tracker_events_total",
				Help: "Lifetime tracker counters (locks, activations, resets, duplicates, violations, syncs, adoptions)",
			},
			[]string{"event"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recovery_cycle_duration_seconds",
				Help:    "Duration of monitor cycles",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_cycles_total",
				Help: "Completed monitor cycles",
			},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_orders_total",
				Help: "Hedge orders by result",
			},
			[]string{"result"},
		),
		groupsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_groups_closed_total",
				Help: "Closed recovery groups by close reason",
			},
			[]string{"reason"},
		),
		groupPnL: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recovery_group_pnl",
				Help:    "Combined P&L of closed recovery groups in account currency",
				Buckets: []float64{-500, -100, -50, -10, 0, 10, 50, 100, 500},
			},
		),
		correlations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_correlations_total",
				Help: "Resolved correlations by source layer",
			},
			[]string{"source"},
		),
		breakerTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recovery_circuit_breaker_open",
				Help: "1 while the circuit breaker blocks new recoveries",
			},
		),
	}

	reg.MustRegister(
		c.trackerKeys, c.trackerEvents, c.cycleDuration, c.cycles,
		c.orders, c.groupsClosed, c.groupPnL, c.correlations, c.breakerTripped,
	)
	return c
}

// ObserveCycle implements monitor.Observer
func (c *Collectors) ObserveCycle(report monitor.CycleReport, stats hedge.Stats) {
	c.cycles.Inc()
	c.cycleDuration.Observe(report.Duration.Seconds())
	c.ObserveTracker(stats)
}

// ObserveTracker publishes tracker state counts and counters
func (c *Collectors) ObserveTracker(stats hedge.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trackerKeys.WithLabelValues(string(hedge.StateAvailable)).Set(float64(stats.Available))
	c.trackerKeys.WithLabelValues(string(hedge.StateHedging)).Set(float64(stats.Hedging))
	c.trackerKeys.WithLabelValues(string(hedge.StateActive)).Set(float64(stats.Active))
	c.trackerKeys.WithLabelValues(string(hedge.StateError)).Set(float64(stats.Error))

	c.trackerEvents.WithLabelValues("locks").Set(float64(stats.TotalLocks))
	c.trackerEvents.WithLabelValues("activations").Set(float64(stats.Activations))
	c.trackerEvents.WithLabelValues("resets").Set(float64(stats.Resets))
	c.trackerEvents.WithLabelValues("duplicates_prevented").Set(float64(stats.DuplicatesPrevented))
	c.trackerEvents.WithLabelValues("invariant_violations").Set(float64(stats.InvariantViolations))
	c.trackerEvents.WithLabelValues("syncs").Set(float64(stats.SyncOperations))
	c.trackerEvents.WithLabelValues("adopted").Set(float64(stats.Adopted))
}

// ObserveOrder implements monitor.Observer
func (c *Collectors) ObserveOrder(result string) {
	c.orders.WithLabelValues(result).Inc()
}

// ObserveGroupClosed implements monitor.Observer
func (c *Collectors) ObserveGroupClosed(reason string, combinedPnL float64) {
	c.groupsClosed.WithLabelValues(reason).Inc()
	c.groupPnL.Observe(combinedPnL)
}

// ObserveCorrelation counts a freshly resolved sample; pass it to
// correlation.Resolver.SetObserver
func (c *Collectors) ObserveCorrelation(s correlation.Sample) {
	c.correlations.WithLabelValues(string(s.Source)).Inc()
}

// SetBreakerOpen mirrors the circuit breaker state
func (c *Collectors) SetBreakerOpen(open bool) {
	if open {
		c.breakerTripped.Set(1)
		return
	}
	c.breakerTripped.Set(0)
}
