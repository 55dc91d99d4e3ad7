package db

import (
	"context"
	"time"
)

// BeginIdempotency reserves key atomically: INSERT ... ON CONFLICT DO
// NOTHING, then always re-select so the caller learns whether it
// created the reservation (fresh) or another worker already holds or
// completed it (spec §4.7).
func (q *Queries) BeginIdempotency(ctx context.Context, key string, expiresAt time.Time) (IdempotencyKey, bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, status, expires_at, updated_at)
		VALUES ($1, 'processing', $2, now())
		ON CONFLICT (key) DO NOTHING
	`, key, expiresAt)
	if err != nil {
		return IdempotencyKey{}, false, err
	}

	var k IdempotencyKey
	err = q.db.QueryRow(ctx, `
		SELECT key, result, status, expires_at, updated_at FROM idempotency_keys WHERE key = $1
	`, key).Scan(&k.Key, &k.Result, &k.Status, &k.ExpiresAt, &k.UpdatedAt)
	if err != nil {
		return IdempotencyKey{}, false, err
	}
	// fresh == true only when this call's INSERT created the row
	fresh := tag.RowsAffected() == 1
	return k, fresh, nil
}

func (q *Queries) CompleteIdempotency(ctx context.Context, key string, result []byte) error {
	_, err := q.db.Exec(ctx, `
		UPDATE idempotency_keys SET status = 'completed', result = $2, updated_at = now() WHERE key = $1
	`, key, result)
	return err
}

// ReclaimStaleIdempotency resets reservations stuck in "processing"
// past staleBefore back to a reclaimable state, returning the reclaimed
// keys (spec §4.7 "consumers ... are allowed to reclaim").
func (q *Queries) ReclaimStaleIdempotency(ctx context.Context, staleBefore time.Time) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		DELETE FROM idempotency_keys
		WHERE status = 'processing' AND updated_at < $1
		RETURNING key
	`, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (q *Queries) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
