// Package idempotency implements the reservation store spec §4.7
// describes: begin/complete around any step (ingestion, the LLM call
// path, external-action invocation) that must run at most once despite
// at-least-once delivery.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kapella-hub/ngs/internal/db"
)

// Status is the outcome of Begin.
type Status int

const (
	Fresh Status = iota
	InProgress
	Completed
)

const defaultTTL = 24 * time.Hour

// Store wraps db.Querier with the begin/complete contract.
type Store struct {
	q   db.Querier
	now func() time.Time
}

func New(q db.Querier) *Store {
	return &Store{q: q, now: time.Now}
}

// Begin reserves key. Result is non-nil only when Status is Completed.
func (s *Store) Begin(ctx context.Context, key string) (Status, json.RawMessage, error) {
	k, fresh, err := s.q.BeginIdempotency(ctx, key, s.now().UTC().Add(defaultTTL))
	if err != nil {
		return 0, nil, err
	}
	if fresh {
		return Fresh, nil, nil
	}
	if k.Status == "completed" {
		return Completed, json.RawMessage(k.Result), nil
	}
	return InProgress, nil, nil
}

// Complete records result and marks key completed.
func (s *Store) Complete(ctx context.Context, key string, result any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.q.CompleteIdempotency(ctx, key, b)
}

// ReclaimStale is called by the idempotency-expiry sweeper: any
// reservation stuck in "processing" longer than staleAfter is released
// so a retrying caller can take it over (spec §4.7 default 5 minutes).
func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	return s.q.ReclaimStaleIdempotency(ctx, s.now().UTC().Add(-staleAfter))
}

// GC deletes keys past their 24h expiry.
func (s *Store) GC(ctx context.Context) (int64, error) {
	return s.q.DeleteExpiredIdempotency(ctx, s.now().UTC())
}
