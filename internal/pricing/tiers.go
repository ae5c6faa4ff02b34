package pricing

// Tier is a reputation discount bracket derived from an agent's lifetime
// request counters.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// tierThreshold holds the qualification thresholds and discount for one tier.
type tierThreshold struct {
	tier           Tier
	minRequests    int64
	minSuccessRate float64
	discount       float64
}

// Ordered highest first so TierFor can return the first tier whose thresholds
// are both met. Bronze is the floor.
var tierThresholds = []tierThreshold{
	{TierDiamond, 10000, 0.98, 0.20},
	{TierPlatinum, 2000, 0.95, 0.15},
	{TierGold, 500, 0.90, 0.10},
	{TierSilver, 100, 0.85, 0.05},
	{TierBronze, 0, 0, 0},
}

// TierFor returns the highest tier whose minimum request count and success
// rate are both met. It is a pure function of its inputs.
func TierFor(totalRequests int64, successRate float64) Tier {
	for _, t := range tierThresholds {
		if totalRequests >= t.minRequests && successRate >= t.minSuccessRate {
			return t.tier
		}
	}
	return TierBronze
}

// Discount returns the tier's price discount fraction. Unknown tiers get the
// bronze discount.
func (t Tier) Discount() float64 {
	for _, th := range tierThresholds {
		if th.tier == t {
			return th.discount
		}
	}
	return 0
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	for _, th := range tierThresholds {
		if th.tier == t {
			return true
		}
	}
	return false
}
