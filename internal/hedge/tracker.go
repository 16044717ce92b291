package hedge

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"correlation-recovery-bot/internal/broker"
)

// Stats summarises tracker state and lifetime counters
type Stats struct {
	Available           int       `json:"available"`
	Hedging             int       `json:"hedging"`
	Active              int       `json:"active"`
	Error               int       `json:"error"`
	TotalLocks          int64     `json:"total_locks"`
	Activations         int64     `json:"activations"`
	Resets              int64     `json:"resets"`
	DuplicatesPrevented int64     `json:"duplicates_prevented"`
	InvariantViolations int64     `json:"invariant_violations"`
	SyncOperations      int64     `json:"sync_operations"`
	Adopted             int64     `json:"adopted"`
	LastSync            time.Time `json:"last_sync"`
}

// SyncReport lists what a reconciliation pass changed
type SyncReport struct {
	Released []Key `json:"released"`
	Adopted  []Key `json:"adopted"`
	// Unparsed counts recovery-tagged positions whose marker could not be decoded
	Unparsed int `json:"unparsed"`
	// Stranded lists those positions. The tracker cannot adopt or close them,
	// so they need an operator.
	Stranded []broker.Position `json:"stranded,omitempty"`
}

// Tracker owns every hedge record. All transitions run under one mutex, which
// serializes them per key.
type Tracker struct {
	mu      sync.RWMutex
	records map[Key]*Record
	stats   Stats
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		records: make(map[Key]*Record),
		logger:  logger.With().Str("component", "HedgeTracker").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register adds key as AVAILABLE if the tracker does not know it yet and
// reports whether it was added. The original ticket is refreshed on
// AVAILABLE records.
func (t *Tracker) Register(key Key, originalTicket int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key]; ok {
		if rec.State == StateAvailable && originalTicket != 0 {
			rec.OriginalTicket = originalTicket
		}
		return false
	}
	t.records[key] = &Record{Key: key, State: StateAvailable, OriginalTicket: originalTicket, EnteredAt: t.now()}
	t.logger.Debug().Str("key", key.String()).Int64("original_ticket", originalTicket).Msg("Position registered")
	return true
}

// Lock moves key from AVAILABLE to HEDGING. It returns false when the key is
// in any other state; unknown keys are treated as AVAILABLE.
func (t *Tracker) Lock(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Key: key, State: StateAvailable}
		t.records[key] = rec
	}
	if rec.State != StateAvailable {
		t.stats.DuplicatesPrevented++
		t.logger.Warn().Str("key", key.String()).Str("state", string(rec.State)).Msg("Duplicate hedge prevented")
		return false
	}

	rec.State = StateHedging
	rec.EnteredAt = t.now()
	rec.LastError = ""
	t.stats.TotalLocks++
	t.logger.Info().Str("key", key.String()).Msg("Position locked for hedging")
	return true
}

// Activate records the placed hedge and moves key from HEDGING to ACTIVE.
// From any other state the key moves to ERROR and an InvariantViolation is
// returned.
func (t *Tracker) Activate(key Key, hedgeTicket int64, hedgeSymbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok || rec.State != StateHedging {
		from := StateAvailable
		if ok {
			from = rec.State
		} else {
			rec = &Record{Key: key}
			t.records[key] = rec
		}
		err := &InvariantViolation{Key: key, Op: "activate", From: from}
		t.toErrorLocked(rec, err.Error())
		return err
	}

	rec.State = StateActive
	rec.HedgeTicket = hedgeTicket
	rec.HedgeSymbol = hedgeSymbol
	rec.EnteredAt = t.now()
	t.stats.Activations++
	t.logger.Info().
		Str("key", key.String()).
		Int64("hedge_ticket", hedgeTicket).
		Str("hedge_symbol", hedgeSymbol).
		Msg("Hedge activated")
	return nil
}

// Reset returns key to AVAILABLE from any state and clears the hedge
// details. It returns the state the key was in.
func (t *Tracker) Reset(key Key) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return "", ErrUnknownKey
	}
	prev := rec.State
	t.resetLocked(rec)
	t.logger.Info().Str("key", key.String()).Str("from", string(prev)).Msg("Hedge record reset")
	return prev, nil
}

// MarkError moves key to ERROR after an internal fault
func (t *Tracker) MarkError(key Key, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Key: key}
		t.records[key] = rec
	}
	t.toErrorLocked(rec, reason)
}

// ResetAll returns every non-AVAILABLE key to AVAILABLE
func (t *Tracker) ResetAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.records {
		if rec.State != StateAvailable {
			t.resetLocked(rec)
			n++
		}
	}
	t.logger.Warn().Int("count", n).Msg("All hedge records force reset")
	return n
}

// Forget drops an AVAILABLE key whose original position no longer exists
func (t *Tracker) Forget(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok || rec.State != StateAvailable {
		return false
	}
	delete(t.records, key)
	return true
}

// Sync reconciles tracked state against a broker snapshot. ACTIVE records
// whose hedge ticket is gone return to AVAILABLE, and recovery-tagged
// positions unknown to the tracker are adopted as ACTIVE.
func (t *Tracker) Sync(positions []broker.Position) SyncReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	var report SyncReport
	live := make(map[int64]bool, len(positions))
	for _, p := range positions {
		live[p.Ticket] = true
	}

	tracked := make(map[int64]Key)
	for key, rec := range t.records {
		if rec.State != StateActive {
			continue
		}
		if !live[rec.HedgeTicket] {
			t.logger.Info().
				Str("key", key.String()).
				Int64("hedge_ticket", rec.HedgeTicket).
				Msg("Hedge no longer open at broker, releasing")
			t.resetLocked(rec)
			report.Released = append(report.Released, key)
			continue
		}
		tracked[rec.HedgeTicket] = key
	}

	for _, p := range positions {
		if !p.IsRecoveryLeg() {
			continue
		}
		if _, ok := tracked[p.Ticket]; ok {
			continue
		}
		marker, err := broker.ParseRecoveryComment(p.Comment)
		if err != nil {
			report.Unparsed++
			report.Stranded = append(report.Stranded, p)
			t.logger.Warn().Err(err).Int64("ticket", p.Ticket).Msg("Recovery leg with unreadable marker")
			continue
		}

		key := Key{Group: marker.Group, Symbol: marker.OriginalSymbol}
		rec, ok := t.records[key]
		if ok && rec.State != StateAvailable {
			if rec.State == StateActive {
				t.logger.Warn().
					Str("key", key.String()).
					Int64("tracked_ticket", rec.HedgeTicket).
					Int64("extra_ticket", p.Ticket).
					Msg("Second recovery leg found for key")
			}
			continue
		}
		if !ok {
			rec = &Record{Key: key}
			t.records[key] = rec
		}
		rec.State = StateActive
		rec.OriginalTicket = marker.OriginalTicket
		rec.HedgeTicket = p.Ticket
		rec.HedgeSymbol = p.Symbol
		rec.EnteredAt = p.OpenTime
		if rec.EnteredAt.IsZero() {
			rec.EnteredAt = t.now()
		}
		tracked[p.Ticket] = key
		t.stats.Adopted++
		report.Adopted = append(report.Adopted, key)
		t.logger.Info().Str("key", key.String()).Int64("hedge_ticket", p.Ticket).Msg("Live recovery leg adopted")
	}

	t.stats.SyncOperations++
	t.stats.LastSync = t.now()
	return report
}

// CleanupStale resets HEDGING records older than maxAge unless inFlight
// reports an order still pending for the key
func (t *Tracker) CleanupStale(maxAge time.Duration, inFlight func(Key) bool) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleaned []Key
	now := t.now()
	for key, rec := range t.records {
		if rec.State != StateHedging || now.Sub(rec.EnteredAt) < maxAge {
			continue
		}
		if inFlight != nil && inFlight(key) {
			continue
		}
		t.logger.Warn().Str("key", key.String()).Dur("age", now.Sub(rec.EnteredAt)).Msg("Stale hedge lock reset")
		t.resetLocked(rec)
		cleaned = append(cleaned, key)
	}
	return cleaned
}

// Get returns a copy of the record for key
func (t *Tracker) Get(key Key) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// State returns the state of key; unknown keys are AVAILABLE
func (t *Tracker) State(key Key) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[key]; ok {
		return rec.State
	}
	return StateAvailable
}

// Records returns copies of every record ordered by key
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// HedgeUsage counts ACTIVE recovery legs per hedge symbol
func (t *Tracker) HedgeUsage() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	usage := make(map[string]int)
	for _, rec := range t.records {
		if rec.State == StateActive && rec.HedgeSymbol != "" {
			usage[rec.HedgeSymbol]++
		}
	}
	return usage
}

// Stats returns current state counts and lifetime counters
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.stats
	for _, rec := range t.records {
		switch rec.State {
		case StateAvailable:
			s.Available++
		case StateHedging:
			s.Hedging++
		case StateActive:
			s.Active++
		case StateError:
			s.Error++
		}
	}
	return s
}

// Restore loads persisted records. HEDGING records come back as AVAILABLE
// because no order can still be in flight after a restart; if one was filled
// the next Sync adopts it from its marker.
func (t *Tracker) Restore(records []Record) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range records {
		rec := r
		if rec.Key.Group == "" || rec.Key.Symbol == "" {
			continue
		}
		switch rec.State {
		case StateAvailable, StateActive, StateError:
		case StateHedging:
			rec.State = StateAvailable
			rec.HedgeTicket, rec.HedgeSymbol = 0, ""
		default:
			continue
		}
		t.records[rec.Key] = &rec
		n++
	}
	t.logger.Info().Int("restored", n).Msg("Hedge records restored")
	return n
}

func (t *Tracker) resetLocked(rec *Record) {
	rec.State = StateAvailable
	rec.HedgeTicket = 0
	rec.HedgeSymbol = ""
	rec.LastError = ""
	rec.EnteredAt = t.now()
	t.stats.Resets++
}

func (t *Tracker) toErrorLocked(rec *Record, reason string) {
	rec.State = StateError
	rec.LastError = reason
	rec.EnteredAt = t.now()
	t.stats.InvariantViolations++
	t.logger.Error().Str("key", rec.Key.String()).Str("reason", reason).Msg("Hedge record moved to ERROR")
}
