package monitor

import (
	"time"

	"correlation-recovery-bot/internal/broker"
	"correlation-recovery-bot/internal/correlation"
	"correlation-recovery-bot/internal/hedge"
)

// GroupStatus is the lifecycle of a recovery group
type GroupStatus string

const (
	GroupOpen    GroupStatus = "OPEN"
	GroupClosing GroupStatus = "CLOSING" // close requested, a leg is still open at the broker
	GroupClosed  GroupStatus = "CLOSED"
)

// Close reasons
const (
	ReasonProfitTarget         = "profit_target"
	ReasonMaxHold              = "max_hold"
	ReasonCorrelationBreakdown = "correlation_breakdown"
	ReasonOriginalClosed       = "original_closed"
	ReasonHedgeClosed          = "hedge_closed"
	ReasonManual               = "manual"
)

// Leg is one side of a recovery group
type Leg struct {
	Ticket    int64            `json:"ticket"`
	Symbol    string           `json:"symbol"`
	Direction broker.Direction `json:"direction"`
	Volume    float64          `json:"volume"`
	PnL       float64          `json:"pnl"`
	Closed    bool             `json:"closed"`
}

// RecoveryGroup pairs a losing original position with its recovery leg
type RecoveryGroup struct {
	ID                string             `json:"id"`
	Key               hedge.Key          `json:"key"`
	Original          Leg                `json:"original"`
	Hedge             Leg                `json:"hedge"`
	EntryCorrelation  float64            `json:"entry_correlation"`
	CorrelationSource correlation.Source `json:"correlation_source"`
	LastCorrelation   float64            `json:"last_correlation"`
	CombinedPnL       float64            `json:"combined_pnl"`
	Status            GroupStatus        `json:"status"`
	OpenedAt          time.Time          `json:"opened_at"`
	ClosedAt          time.Time          `json:"closed_at,omitempty"`
	CloseReason       string             `json:"close_reason,omitempty"`
	Adopted           bool               `json:"adopted"`

	openedCycle string
}

func (g *RecoveryGroup) refreshPnL() {
	g.CombinedPnL = g.Original.PnL + g.Hedge.PnL
}

// done reports whether every leg the group is responsible for is closed. A
// group closed because its hedge vanished leaves the original open.
func (g *RecoveryGroup) done() bool {
	if !g.Hedge.Closed {
		return false
	}
	return g.Original.Closed || g.CloseReason == ReasonHedgeClosed
}

// breakdown reports whether current has flipped sign against the entry
// correlation or lost strength below min
func breakdown(entry, current, min float64) bool {
	if entry != 0 && (entry < 0) != (current < 0) {
		return true
	}
	abs := current
	if abs < 0 {
		abs = -abs
	}
	return abs < min
}
