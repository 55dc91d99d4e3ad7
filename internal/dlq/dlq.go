// Package dlq implements the dead-letter queue: any processing step
// that exhausts local retries writes a DeadLetterEntry here, and a
// sweeper redispatches due entries back to their originating handler
// (spec §4.8).
package dlq

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/db"
)

// Config mirrors config.DLQConfig without importing the config
// package, keeping dlq dependency-free of the configuration surface.
type Config struct {
	BaseBackoff time.Duration
	CapBackoff  time.Duration
	MaxRetries  int
}

// Queue writes and redispatches DeadLetterEntry rows.
type Queue struct {
	q      db.Querier
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	random func() float64
}

func New(q db.Querier, cfg Config, log *zap.Logger) *Queue {
	return &Queue{q: q, cfg: cfg, log: log, now: time.Now, random: rand.Float64}
}

// Send writes a DeadLetterEntry for an event of eventType carrying
// payload, after the caller has exhausted local retries.
func (d *Queue) Send(ctx context.Context, eventType string, payload any, cause error) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = d.q.InsertDeadLetterEntry(ctx, db.InsertDeadLetterEntryParams{
		ID:          id.String(),
		EventType:   eventType,
		Payload:     b,
		ErrorText:   cause.Error(),
		MaxRetries:  d.cfg.MaxRetries,
		NextRetryAt: d.nextRetry(0),
		CreatedAt:   d.now().UTC(),
	})
	return err
}

// nextRetry computes next_retry_at = now + min(cap, base*2^retryCount) ± 20% jitter (spec §4.8).
func (d *Queue) nextRetry(retryCount int) time.Time {
	backoff := d.cfg.BaseBackoff * (1 << retryCount)
	if backoff > d.cfg.CapBackoff || backoff <= 0 {
		backoff = d.cfg.CapBackoff
	}
	jitter := 1 + (d.random()*0.4 - 0.2) // ±20%
	return d.now().UTC().Add(time.Duration(float64(backoff) * jitter))
}

// Handler redispatches a dead-lettered payload back to its originating
// processing step. It returns an error if redelivery failed again.
type Handler func(ctx context.Context, eventType string, payload json.RawMessage) error

// Sweep selects due entries, marks them retrying, redispatches via
// handler, and transitions to resolved on success or schedules the
// next backoff on failure (spec §4.8).
func (d *Queue) Sweep(ctx context.Context, limit int, handler Handler) error {
	entries, err := d.q.ListDueDeadLetterEntries(ctx, d.now().UTC(), limit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := d.q.MarkDeadLetterRetrying(ctx, e.ID); err != nil {
			d.log.Error("dlq: mark retrying failed", zap.String("id", e.ID), zap.Error(err))
			continue
		}

		if err := handler(ctx, e.EventType, e.Payload); err != nil {
			retryCount := e.RetryCount + 1
			if markErr := d.q.MarkDeadLetterFailed(ctx, e.ID, d.nextRetry(retryCount), retryCount); markErr != nil {
				d.log.Error("dlq: mark failed failed", zap.String("id", e.ID), zap.Error(markErr))
			}
			d.log.Warn("dlq: redispatch failed", zap.String("id", e.ID), zap.String("event_type", e.EventType), zap.Error(err))
			continue
		}

		if err := d.q.MarkDeadLetterResolved(ctx, e.ID); err != nil {
			d.log.Error("dlq: mark resolved failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
	return nil
}
