package ratelimit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/masud80/healthcare-emr-sub001/internal/platform/db"
)

// PGStore keeps one row per key in the rate_limits table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Update implements Store. A placeholder row is inserted first so that
// concurrent first requests for a key serialize on the same row lock.
func (s *PGStore) Update(ctx context.Context, key string, fn func(cur *Window) (Window, bool)) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_limits (key, count, prev_count, window_start)
			VALUES ($1, 0, 0, to_timestamp(0))
			ON CONFLICT (key) DO NOTHING`, key); err != nil {
			return fmt.Errorf("ensure row: %w", err)
		}

		var w Window
		if err := tx.QueryRow(ctx, `
			SELECT count, prev_count, window_start
			FROM rate_limits WHERE key = $1 FOR UPDATE`, key,
		).Scan(&w.Count, &w.PrevCount, &w.Start); err != nil {
			return fmt.Errorf("lock row: %w", err)
		}

		var cur *Window
		if !isPlaceholder(w) {
			cur = &w
		}

		next, write := fn(cur)
		if !write {
			return nil
		}

		_, err := tx.Exec(ctx, `
			UPDATE rate_limits
			SET count = $2, prev_count = $3, window_start = $4, updated_at = NOW()
			WHERE key = $1`,
			key, next.Count, next.PrevCount, next.Start,
		)
		if err != nil {
			return fmt.Errorf("update row: %w", err)
		}
		return nil
	})
}

// Reset implements Store.
func (s *PGStore) Reset(ctx context.Context, key string) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM rate_limits WHERE key = $1`, key)
	return err
}

func isPlaceholder(w Window) bool {
	return w.Count == 0 && w.PrevCount == 0 && w.Start.Unix() == 0
}
