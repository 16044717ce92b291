// Package correlation resolves a correlation coefficient for any pair of
// instruments. Resolution walks four layers (historical bars, recent ticks,
// currency-leg structure, static table) and never fails.
package correlation

import (
	"errors"
	"strings"
	"time"
)

// Source identifies the layer that produced a sample
type Source string

const (
	SourceHistorical Source = "HISTORICAL"
	SourceTick       Source = "TICK"
	SourceStructural Source = "STRUCTURAL"
	SourceDefault    Source = "DEFAULT"
)

// ErrDataInsufficient means a data-driven layer could not compute a value.
// It causes fallthrough to the next layer and is never returned by Resolve.
var ErrDataInsufficient = errors.New("insufficient data for correlation")

// Sample is one resolved correlation for an unordered symbol pair
type Sample struct {
	SymbolA    string    `json:"symbol_a"`
	SymbolB    string    `json:"symbol_b"`
	Value      float64   `json:"value"`
	Source     Source    `json:"source"`
	Samples    int       `json:"samples"`
	ComputedAt time.Time `json:"computed_at"`
}

// Key returns the unordered pair key of the sample
func (s Sample) Key() PairKey {
	return NewPairKey(s.SymbolA, s.SymbolB)
}

// PairKey identifies an unordered symbol pair
type PairKey string

// NewPairKey builds the key with symbols sorted, so (a, b) and (b, a) match
func NewPairKey(a, b string) PairKey {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if b < a {
		a, b = b, a
	}
	return PairKey(a + "|" + b)
}

// Symbols splits the key back into its two symbols
func (k PairKey) Symbols() (string, string) {
	a, b, _ := strings.Cut(string(k), "|")
	return a, b
}
