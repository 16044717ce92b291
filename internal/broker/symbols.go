package broker

import (
	"fmt"
	"strings"
)

// Safe-haven and growth currency sets used by the structural correlation rules
var (
	safeHavenCurrencies = map[string]bool{"JPY": true, "CHF": true, "USD": true}
	growthCurrencies    = map[string]bool{"EUR": true, "GBP": true, "AUD": true, "NZD": true, "CAD": true}
)

// SplitSymbol returns the base and quote currency of a six-letter FX symbol.
// Broker suffixes such as "EURUSD.m" are ignored.
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, ".-_#"); i >= 0 {
		s = s[:i]
	}
	if len(s) != 6 {
		return "", "", fmt.Errorf("invalid symbol %q: expected six-letter currency pair", symbol)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", "", fmt.Errorf("invalid symbol %q: non-letter character", symbol)
		}
	}
	return s[:3], s[3:], nil
}

// NormalizeSymbol returns the upper-case six-letter form of symbol
func NormalizeSymbol(symbol string) string {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return strings.ToUpper(symbol)
	}
	return base + quote
}

// IsJPYQuoted reports whether the symbol is quoted in yen
func IsJPYQuoted(symbol string) bool {
	_, quote, err := SplitSymbol(symbol)
	return err == nil && quote == "JPY"
}

// PipSize returns the smallest conventional price increment for the symbol
func PipSize(symbol string) float64 {
	if IsJPYQuoted(symbol) {
		return 0.01
	}
	return 0.0001
}

// IsSafeHaven reports whether the currency is treated as a safe haven
func IsSafeHaven(currency string) bool { return safeHavenCurrencies[currency] }

// IsGrowth reports whether the currency is treated as a growth currency
func IsGrowth(currency string) bool { return growthCurrencies[currency] }
