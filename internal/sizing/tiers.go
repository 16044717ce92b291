package sizing

import (
	"math"
	"sort"
)

// Tier is a balance bracket with its own risk fraction and volume ceiling.
// MaxBalance of zero means unbounded.
type Tier struct {
	Name         string  `json:"name"`
	MinBalance   float64 `json:"min_balance"`
	MaxBalance   float64 `json:"max_balance"`
	RiskFraction float64 `json:"risk_fraction"`
	MaxLot       float64 `json:"max_lot"`
}

// Contains reports whether balance falls inside [MinBalance, MaxBalance)
func (t Tier) Contains(balance float64) bool {
	if balance < t.MinBalance {
		return false
	}
	return t.MaxBalance <= 0 || balance < t.MaxBalance
}

// DefaultTiers returns the starter/standard/premium/vip brackets
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "starter", MinBalance: 1000, MaxBalance: 5000, RiskFraction: 0.020, MaxLot: 1.0},
		{Name: "standard", MinBalance: 5000, MaxBalance: 25000, RiskFraction: 0.015, MaxLot: 2.0},
		{Name: "premium", MinBalance: 25000, MaxBalance: 100000, RiskFraction: 0.012, MaxLot: 3.0},
		{Name: "vip", MinBalance: 100000, MaxBalance: 0, RiskFraction: 0.010, MaxLot: 5.0},
	}
}

func sortTiers(tiers []Tier) []Tier {
	out := append([]Tier(nil), tiers...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinBalance < out[j].MinBalance })
	return out
}

// detectTier picks the bracket containing balance. Balances under every
// bracket use the lowest one; balances above every bounded bracket use the
// highest.
func detectTier(tiers []Tier, balance float64) Tier {
	if len(tiers) == 0 {
		return Tier{Name: "default", RiskFraction: 0.01, MaxLot: 1.0}
	}
	for _, t := range tiers {
		if t.Contains(balance) {
			return t
		}
	}
	if balance < tiers[0].MinBalance || math.IsNaN(balance) {
		return tiers[0]
	}
	return tiers[len(tiers)-1]
}
