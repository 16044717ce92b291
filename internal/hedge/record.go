// Package hedge tracks, per original position, whether a recovery hedge is
// being placed or is live. The Tracker is the only authority on hedge status:
// every order path must lock a key before sending an order and resolve the
// lock through Activate or Reset.
package hedge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State of a hedge record
type State string

const (
	StateAvailable State = "AVAILABLE"
	StateHedging   State = "HEDGING"
	StateActive    State = "ACTIVE"
	StateError     State = "ERROR"
)

// Key identifies an original position by arbitrage group and symbol
type Key struct {
	Group  string `json:"group"`
	Symbol string `json:"symbol"`
}

func (k Key) String() string {
	return k.Group + ":" + k.Symbol
}

// ParseKey parses the "group:symbol" form produced by Key.String
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("invalid hedge key %q", s)
	}
	return Key{Group: s[:i], Symbol: s[i+1:]}, nil
}

// Record is one state-machine instance
type Record struct {
	Key            Key       `json:"key"`
	State          State     `json:"state"`
	OriginalTicket int64     `json:"original_ticket,omitempty"`
	HedgeSymbol    string    `json:"hedge_symbol,omitempty"`
	HedgeTicket    int64     `json:"hedge_ticket,omitempty"`
	EnteredAt      time.Time `json:"entered_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// ErrUnknownKey is returned for operations on keys the tracker never saw
var ErrUnknownKey = errors.New("unknown hedge key")

// InvariantViolation reports a transition the state machine does not allow.
// The key is left in ERROR until explicitly reset.
type InvariantViolation struct {
	Key  Key
	Op   string
	From State
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s on %s in state %s", e.Op, e.Key, e.From)
}
