package pricing

// Call is one priced API call within a quote request.
type Call struct {
	Endpoint  string  `json:"endpoint"`
	BasePrice float64 `json:"base_price"`
}

// Quote is the price breakdown for one request or batch. Computed fresh per
// request and never persisted.
type Quote struct {
	BasePriceSum          float64 `json:"base_price_sum"`
	BatchDiscountPct      float64 `json:"batch_discount_pct"`
	ReputationDiscountPct float64 `json:"reputation_discount_pct"`
	FinalPrice            float64 `json:"final_price"`
	Savings               float64 `json:"savings"`
}

// Engine computes amounts owed, applying volume and reputation discounts.
type Engine struct{}

// NewEngine creates a pricing Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// BatchDiscount is the volume discount step function over the number of calls
// in a batch.
func BatchDiscount(callCount int) float64 {
	switch {
	case callCount >= 20:
		return 0.30
	case callCount >= 10:
		return 0.20
	case callCount >= 5:
		return 0.10
	default:
		return 0
	}
}

// Quote prices the given calls for an agent in the given reputation tier.
// The batch and reputation discounts combine multiplicatively. A single call
// receives no batch discount.
func (e *Engine) Quote(calls []Call, tier Tier) Quote {
	var sum float64
	for _, c := range calls {
		sum += c.BasePrice
	}

	batchPct := BatchDiscount(len(calls))
	repPct := tier.Discount()

	final := sum * (1 - batchPct) * (1 - repPct)
	if final < 0 {
		final = 0
	}

	return Quote{
		BasePriceSum:          sum,
		BatchDiscountPct:      batchPct,
		ReputationDiscountPct: repPct,
		FinalPrice:            final,
		Savings:               sum - final,
	}
}

// QuoteSingle prices one call: only the reputation discount applies.
func (e *Engine) QuoteSingle(basePrice float64, tier Tier) Quote {
	return e.Quote([]Call{{BasePrice: basePrice}}, tier)
}
