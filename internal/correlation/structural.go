package correlation

import (
	"correlation-recovery-bot/internal/broker"
)

const (
	structuralSameBase    = 0.75
	structuralSwappedLeg  = -0.75
	structuralSharedQuote = 0.60
	structuralRiskOpposed = -0.70
	structuralNeutral     = 0.50
)

// structuralCorrelation estimates a correlation from the currency legs alone.
// Rules are checked in order:
//
//	same base currency (EURUSD / EURJPY)                 +0.75
//	shared currency on opposite sides (EURUSD / USDCHF)  -0.75
//	same quote currency (EURUSD / GBPUSD)                +0.60
//	growth/safe-haven exposure reversed (AUDJPY / USDCAD) -0.70
//	anything else                                        +0.50
func structuralCorrelation(symbolA, symbolB string) (float64, error) {
	a1, a2, err := broker.SplitSymbol(symbolA)
	if err != nil {
		return 0, err
	}
	b1, b2, err := broker.SplitSymbol(symbolB)
	if err != nil {
		return 0, err
	}

	switch {
	case a1 == b1 && a2 == b2:
		return 1, nil
	case a1 == b2 && a2 == b1:
		return -1, nil
	case a1 == b1:
		return structuralSameBase, nil
	case a1 == b2 || a2 == b1:
		return structuralSwappedLeg, nil
	case a2 == b2:
		return structuralSharedQuote, nil
	}

	if ra, rb := riskExposure(a1, a2), riskExposure(b1, b2); ra != 0 && ra == -rb {
		return structuralRiskOpposed, nil
	}
	return structuralNeutral, nil
}

// riskExposure is +1 for a growth/safe-haven pair, -1 for safe-haven/growth,
// 0 otherwise
func riskExposure(base, quote string) int {
	switch {
	case broker.IsGrowth(base) && broker.IsSafeHaven(quote):
		return 1
	case broker.IsSafeHaven(base) && broker.IsGrowth(quote):
		return -1
	default:
		return 0
	}
}
