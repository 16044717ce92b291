// Package broker defines the contract the recovery engine consumes from the
// trading venue, plus the recovery marker convention, a guarded wrapper that
// adds timeouts and retries, and an in-memory paper broker.
package broker

import (
	"context"
	"time"
)

// Direction is the trade side of a position or order
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other trade side
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Timeframe identifies a bar period
type Timeframe string

const (
	TimeframeM1 Timeframe = "M1"
	TimeframeM5 Timeframe = "M5"
	TimeframeH1 Timeframe = "H1"
	TimeframeD1 Timeframe = "D1"
)

// Duration returns the length of one bar
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeD1:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Account is the read-only account state reported by the broker
type Account struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
}

// Position is an open position as reported by the broker. Recovery legs are
// distinguished from original positions by their comment (see IsRecoveryComment).
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Volume       float64   `json:"volume"`
	OpenTime     time.Time `json:"open_time"`
	Profit       float64   `json:"profit"`
	Magic        int       `json:"magic"`
	Comment      string    `json:"comment"`
}

// IsRecoveryLeg reports whether the position was opened as a recovery hedge
func (p Position) IsRecoveryLeg() bool {
	return IsRecoveryComment(p.Comment)
}

// Bar is one OHLC candle
type Bar struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Tick is one bid/ask quote
type Tick struct {
	Time time.Time `json:"time"`
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
}

// Mid returns the mid price of the quote
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Spread returns ask minus bid in price units
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// OrderRequest describes a market order
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Volume    float64   `json:"volume"`
	Magic     int       `json:"magic"`
	Comment   string    `json:"comment"`
}

// Broker is the venue collaborator. Every call that can block takes a context.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetAccountState(ctx context.Context) (*Account, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetHistoricalPrices(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Bar, error)
	GetRecentTicks(ctx context.Context, symbol string, count int) ([]Tick, error)

	// PlaceOrder sends a market order and returns the ticket of the opened position
	PlaceOrder(ctx context.Context, req OrderRequest) (int64, error)
	ClosePosition(ctx context.Context, ticket int64) error
}
