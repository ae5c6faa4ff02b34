package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Backend persisting cache entries in a Postgres table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, namespace, key string) ([]byte, time.Time, error) {
	var payload []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT payload, expires_at FROM cache_entries
		 WHERE namespace = $1 AND cache_key = $2 AND expires_at > now()`,
		namespace, key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading cache entry: %w", err)
	}
	return payload, expiresAt, nil
}

func (s *PGStore) Set(ctx context.Context, namespace, key string, payload []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (namespace, cache_key, payload, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, cache_key)
		 DO UPDATE SET payload = $3, expires_at = $4, updated_at = now()`,
		namespace, key, payload, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE namespace = $1 AND cache_key = $2`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context, namespace string) error {
	var err error
	if namespace == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM cache_entries`)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE namespace = $1`, namespace)
	}
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

func (s *PGStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("cleaning up cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) Stats(ctx context.Context, namespace string) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COUNT(CASE WHEN expires_at > now() THEN 1 END),
			COUNT(CASE WHEN expires_at <= now() THEN 1 END)
		 FROM cache_entries WHERE namespace = $1`,
		namespace,
	).Scan(&stats.Total, &stats.Active, &stats.Expired)
	if err != nil {
		return Stats{}, fmt.Errorf("querying cache stats: %w", err)
	}
	return stats, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
