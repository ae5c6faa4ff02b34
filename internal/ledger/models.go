package ledger

import (
	"time"

	"github.com/averitt/tollgate/internal/pricing"
)

// Record is one append-only ledger entry for a gateway request.
type Record struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	LatencyMs int64     `json:"latency_ms"`
	Amount    float64   `json:"amount"`
	Cached    bool      `json:"cached"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentAccount is an agent's standing derived from its ledger history. It is
// computed on read and never mutated directly.
type AgentAccount struct {
	AgentID       string       `json:"agent_id"`
	TotalRequests int64        `json:"total_requests"`
	TotalSpent    float64      `json:"total_spent"`
	SuccessCount  int64        `json:"success_count"`
	SuccessRate   float64      `json:"success_rate"`
	Tier          pricing.Tier `json:"tier"`
	Discount      float64      `json:"discount"`
	FirstSeen     time.Time    `json:"first_seen"`
	LastSeen      time.Time    `json:"last_seen"`
}

// LeaderboardEntry is one row of the agent reputation leaderboard.
type LeaderboardEntry struct {
	Rank          int          `json:"rank"`
	AgentID       string       `json:"agent_id"`
	TotalRequests int64        `json:"total_requests"`
	TotalSpent    float64      `json:"total_spent"`
	SuccessRate   float64      `json:"success_rate"`
	Tier          pricing.Tier `json:"tier"`
}

// deriveAccount fills the computed fields of an account from its raw totals.
func deriveAccount(acc *AgentAccount) {
	if acc.TotalRequests > 0 {
		acc.SuccessRate = float64(acc.SuccessCount) / float64(acc.TotalRequests)
	}
	acc.Tier = pricing.TierFor(acc.TotalRequests, acc.SuccessRate)
	acc.Discount = acc.Tier.Discount()
}
