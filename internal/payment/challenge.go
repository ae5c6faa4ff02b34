package payment

import "time"

// Challenge holds the payment terms advertised to an unpaid caller. It is
// regenerated on every 402 response and never persisted.
type Challenge struct {
	Network        string    `json:"network"`
	ChainID        int64     `json:"chainId"`
	Amount         string    `json:"amount"`
	Token          string    `json:"token"`
	Recipient      string    `json:"recipient"`
	Currency       string    `json:"currency"`
	Description    string    `json:"description"`
	FacilitatorURL string    `json:"facilitatorURL"`
	Instructions   string    `json:"instructions"`
	RequiredAmount float64   `json:"-"`
	IssuedAt       time.Time `json:"-"`
}

// Terms is the static half of a challenge: the network and recipient the
// gateway settles on, taken from configuration at startup.
type Terms struct {
	Recipient      string
	Network        string
	ChainID        int64
	Token          string
	Currency       string
	FacilitatorURL string
}

// Gate issues payment challenges and validates proofs against them.
type Gate struct {
	terms    Terms
	verifier ProofVerifier

	now func() time.Time // injectable clock for testing
}

// NewGate creates a Gate issuing challenges under the given terms, validated
// by the given verifier strategy.
func NewGate(terms Terms, verifier ProofVerifier) *Gate {
	return &Gate{
		terms:    terms,
		verifier: verifier,
		now:      time.Now,
	}
}

// Challenge builds the payment challenge for a request requiring the given
// amount.
func (g *Gate) Challenge(description string, amount float64) Challenge {
	return Challenge{
		Network:        g.terms.Network,
		ChainID:        g.terms.ChainID,
		Amount:         formatAmount(amount),
		Token:          g.terms.Token,
		Recipient:      g.terms.Recipient,
		Currency:       g.terms.Currency,
		Description:    description,
		FacilitatorURL: g.terms.FacilitatorURL,
		Instructions:   "Generate payment on " + g.terms.Network + " and include proof in X-PAYMENT header",
		RequiredAmount: amount,
		IssuedAt:       g.now(),
	}
}

// Verify validates the client-supplied proof header against the challenge and
// returns the recovered signer address on success.
func (g *Gate) Verify(proofHeader string, ch Challenge) (string, error) {
	return g.verifier.Verify(proofHeader, ch)
}
