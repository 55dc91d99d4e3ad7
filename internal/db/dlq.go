package db

import (
	"context"
	"time"
)

func (q *Queries) InsertDeadLetterEntry(ctx context.Context, arg InsertDeadLetterEntryParams) (DeadLetterEntry, error) {
	var e DeadLetterEntry
	err := q.db.QueryRow(ctx, `
		INSERT INTO dead_letter_entries (id, event_type, payload, error_text, retry_count, max_retries, next_retry_at, status, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,'pending',$7)
		RETURNING id, event_type, payload, error_text, retry_count, max_retries, next_retry_at, status, created_at
	`, arg.ID, arg.EventType, arg.Payload, arg.ErrorText, arg.MaxRetries, arg.NextRetryAt, arg.CreatedAt).
		Scan(&e.ID, &e.EventType, &e.Payload, &e.ErrorText, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.Status, &e.CreatedAt)
	return e, err
}

// ListDueDeadLetterEntries uses FOR UPDATE SKIP LOCKED so several DLQ
// sweeper replicas can dequeue concurrently without double-dispatching
// the same entry (spec §4.8 "skip-locked selection to permit multiple
// workers"). Callers must run this inside the transaction that then
// marks the rows retrying.
func (q *Queries) ListDueDeadLetterEntries(ctx context.Context, now time.Time, limit int) ([]DeadLetterEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, event_type, payload, error_text, retry_count, max_retries, next_retry_at, status, created_at
		FROM dead_letter_entries
		WHERE status = 'pending' AND next_retry_at <= $1 AND retry_count < max_retries
		ORDER BY next_retry_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.ErrorText, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) MarkDeadLetterRetrying(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `UPDATE dead_letter_entries SET status = 'retrying' WHERE id = $1`, id)
	return err
}

func (q *Queries) MarkDeadLetterResolved(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `UPDATE dead_letter_entries SET status = 'resolved' WHERE id = $1`, id)
	return err
}

// MarkDeadLetterFailed schedules the next retry with backoff computed
// by the caller (internal/dlq.NextRetry) or terminally marks the entry
// failed once retry_count has reached max_retries.
func (q *Queries) MarkDeadLetterFailed(ctx context.Context, id string, nextRetryAt time.Time, retryCount int) error {
	_, err := q.db.Exec(ctx, `
		UPDATE dead_letter_entries SET
			status = CASE WHEN $3 >= max_retries THEN 'failed' ELSE 'pending' END,
			retry_count = $3,
			next_retry_at = $2
		WHERE id = $1
	`, id, nextRetryAt, retryCount)
	return err
}
