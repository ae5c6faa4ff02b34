package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/averitt/tollgate/internal/pricing"
)

// ErrUnknownAgent is returned when an agent has no ledger history.
var ErrUnknownAgent = errors.New("agent has no ledger history")

// Store provides database operations for the request ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of records in a single multi-row INSERT. It is a
// no-op when records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 10
	args := make([]any, 0, len(records)*cols)
	rows := make([]string, 0, len(records))

	for i, rec := range records {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			rec.ID,
			rec.AgentID,
			rec.Endpoint,
			rec.Method,
			rec.Status,
			rec.LatencyMs,
			rec.Amount,
			rec.Cached,
			rec.Success,
			rec.Timestamp,
		)
	}

	query := `INSERT INTO ledger_records
		(id, agent_id, endpoint, method, status, latency_ms, amount, cached, success, timestamp)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting ledger records: %w", err)
	}
	return nil
}

// Account derives an agent's account from its ledger history. Returns
// ErrUnknownAgent when the agent has never made a request.
func (s *Store) Account(ctx context.Context, agentID string) (*AgentAccount, error) {
	acc := AgentAccount{AgentID: agentID}

	// MIN/MAX are NULL when the agent has no rows, so scan through pointers.
	var firstSeen, lastSeen *time.Time
	err := s.pool.QueryRow(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			MIN(timestamp),
			MAX(timestamp)
		FROM ledger_records
		WHERE agent_id = $1`, agentID).Scan(
		&acc.TotalRequests,
		&acc.TotalSpent,
		&acc.SuccessCount,
		&firstSeen,
		&lastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && acc.TotalRequests == 0) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent account: %w", err)
	}
	if firstSeen != nil {
		acc.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		acc.LastSeen = *lastSeen
	}

	deriveAccount(&acc)
	return &acc, nil
}

// Leaderboard returns the top agents by total spend.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `SELECT
			agent_id,
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM ledger_records
		GROUP BY agent_id
		ORDER BY COALESCE(SUM(amount), 0) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		var successCount int64
		if err := rows.Scan(&e.AgentID, &e.TotalRequests, &e.TotalSpent, &successCount); err != nil {
			return nil, fmt.Errorf("scanning leaderboard row: %w", err)
		}
		if e.TotalRequests > 0 {
			e.SuccessRate = float64(successCount) / float64(e.TotalRequests)
		}
		e.Tier = pricing.TierFor(e.TotalRequests, e.SuccessRate)
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
