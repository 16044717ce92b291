package correlation

// defaultTable is the last-resort lookup used only when every other layer
// errored, typically at start-up before any data has been cached
var defaultTable = map[PairKey]float64{
	NewPairKey("EURUSD", "GBPUSD"): 0.85,
	NewPairKey("EURUSD", "AUDUSD"): 0.80,
	NewPairKey("EURUSD", "NZDUSD"): 0.75,
	NewPairKey("GBPUSD", "AUDUSD"): 0.75,
	NewPairKey("AUDUSD", "NZDUSD"): 0.85,
	NewPairKey("EURUSD", "USDCHF"): -0.85,
	NewPairKey("GBPUSD", "USDCHF"): -0.75,
	NewPairKey("EURUSD", "USDCAD"): -0.70,
	NewPairKey("AUDUSD", "USDCAD"): -0.70,
	NewPairKey("EURUSD", "USDJPY"): -0.50,
	NewPairKey("USDJPY", "EURJPY"): 0.80,
	NewPairKey("USDJPY", "GBPJPY"): 0.80,
	NewPairKey("EURJPY", "GBPJPY"): 0.85,
	NewPairKey("AUDJPY", "NZDJPY"): 0.85,
	NewPairKey("USDCHF", "USDJPY"): 0.60,
	NewPairKey("EURGBP", "EURJPY"): 0.60,
	NewPairKey("EURGBP", "EURCHF"): 0.60,
}

// defaultCorrelation never fails. Pairs missing from the table resolve to 0,
// which no selector threshold accepts.
func defaultCorrelation(symbolA, symbolB string) float64 {
	if symbolA == symbolB {
		return 1
	}
	return defaultTable[NewPairKey(symbolA, symbolB)]
}
