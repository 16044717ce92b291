package correlation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"correlation-recovery-bot/internal/broker"
)

// rangeTolerance absorbs floating-point overshoot just past ±1
const rangeTolerance = 1e-9

// point is one observation of a price series
type point struct {
	at    time.Time
	price float64
}

func barPoints(bars []broker.Bar) []point {
	out := make([]point, 0, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			out = append(out, point{at: b.Time, price: b.Close})
		}
	}
	return out
}

// tickPoints keeps the last mid price per bucket so that two tick streams
// with slightly different timestamps can still be aligned
func tickPoints(ticks []broker.Tick, bucket time.Duration) []point {
	last := make(map[time.Time]float64, len(ticks))
	for _, t := range ticks {
		if mid := t.Mid(); mid > 0 {
			last[t.Time.Truncate(bucket)] = mid
		}
	}
	out := make([]point, 0, len(last))
	for at, p := range last {
		out = append(out, point{at: at, price: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// align inner-joins two series on timestamp and returns the paired prices in
// time order
func align(a, b []point) ([]float64, []float64) {
	byTime := make(map[int64]float64, len(b))
	for _, p := range b {
		byTime[p.at.UnixNano()] = p.price
	}

	sorted := append([]point(nil), a...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })

	xs := make([]float64, 0, len(sorted))
	ys := make([]float64, 0, len(sorted))
	seen := make(map[int64]bool, len(sorted))
	for _, p := range sorted {
		k := p.at.UnixNano()
		if seen[k] {
			continue
		}
		if y, ok := byTime[k]; ok {
			seen[k] = true
			xs = append(xs, p.price)
			ys = append(ys, y)
		}
	}
	return xs, ys
}

// returns computes period-over-period percentage changes
func returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// pearsonOfReturns aligns the two series, converts them to returns and
// computes the Pearson coefficient. It returns the number of return samples
// used alongside the value.
func pearsonOfReturns(a, b []point, minSamples int) (float64, int, error) {
	xs, ys := align(a, b)
	rx, ry := returns(xs), returns(ys)
	n := len(rx)
	if n < minSamples || n < 2 {
		return 0, n, fmt.Errorf("%w: %d aligned returns, need %d", ErrDataInsufficient, n, minSamples)
	}

	sx, err := stats.StandardDeviation(rx)
	if err != nil {
		return 0, n, fmt.Errorf("%w: %v", ErrDataInsufficient, err)
	}
	sy, err := stats.StandardDeviation(ry)
	if err != nil {
		return 0, n, fmt.Errorf("%w: %v", ErrDataInsufficient, err)
	}
	if sx == 0 || sy == 0 {
		return 0, n, fmt.Errorf("%w: flat price series", ErrDataInsufficient)
	}

	r, err := stats.Pearson(rx, ry)
	if err != nil {
		return 0, n, fmt.Errorf("failed to compute pearson: %w", err)
	}
	return guardRange(r, n)
}

func guardRange(r float64, n int) (float64, int, error) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, n, fmt.Errorf("correlation is not a number")
	}
	if r > 1+rangeTolerance || r < -1-rangeTolerance {
		return 0, n, fmt.Errorf("correlation %f outside [-1, 1]", r)
	}
	return math.Max(-1, math.Min(1, r)), n, nil
}
