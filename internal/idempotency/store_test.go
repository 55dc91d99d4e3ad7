package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapella-hub/ngs/internal/db"
)

// fakeQuerier is a minimal in-memory db.Querier stand-in, hand-rolled
// against the narrow slice of db.Querier this package actually calls.
type fakeQuerier struct {
	db.Querier
	keys map[string]db.IdempotencyKey
}

func newFake() *fakeQuerier { return &fakeQuerier{keys: map[string]db.IdempotencyKey{}} }

func (f *fakeQuerier) BeginIdempotency(ctx context.Context, key string, expiresAt time.Time) (db.IdempotencyKey, bool, error) {
	if existing, ok := f.keys[key]; ok {
		return existing, false, nil
	}
	k := db.IdempotencyKey{Key: key, Status: "processing", ExpiresAt: expiresAt, UpdatedAt: time.Now()}
	f.keys[key] = k
	return k, true, nil
}

func (f *fakeQuerier) CompleteIdempotency(ctx context.Context, key string, result []byte) error {
	k := f.keys[key]
	k.Status = "completed"
	k.Result = result
	f.keys[key] = k
	return nil
}

func TestBegin_FreshThenCompleted(t *testing.T) {
	q := newFake()
	s := New(q)
	ctx := context.Background()

	status, _, err := s.Begin(ctx, "folder:1:msg-1")
	require.NoError(t, err)
	assert.Equal(t, Fresh, status, "expected Fresh on first begin")

	status, _, err = s.Begin(ctx, "folder:1:msg-1")
	require.NoError(t, err)
	assert.Equal(t, InProgress, status, "expected InProgress on concurrent begin")

	require.NoError(t, s.Complete(ctx, "folder:1:msg-1", map[string]string{"ok": "true"}))

	status, result, err := s.Begin(ctx, "folder:1:msg-1")
	require.NoError(t, err)
	assert.Equal(t, Completed, status, "expected Completed after completion")
	assert.NotEmpty(t, result, "expected non-empty completed result")
}
