package sweep

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/correlate"
	"github.com/kapella-hub/ngs/internal/db"
)

// runReprocess re-runs the parse-then-correlate pipeline against
// raw_emails rows stuck in parse_status = pending past
// ReprocessOlderThan — a delivery that never reached the normal
// parser consumer, or one whose prior attempt crashed mid-flight
// (spec §5 "a reprocess sweeper"). Each row is processed independently
// so one bad email never blocks the rest of the batch, mirroring the
// DLQ and auto-resolve sweeps.
func (s *Scheduler) runReprocess(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.ReprocessOlderThan)
	emails, err := s.q.ListPendingRawEmailsOlderThan(ctx, cutoff, s.cfg.ReprocessBatchLimit)
	if err != nil {
		s.log.Error("sweep: reprocess list failed", zap.Error(err))
		return
	}

	var succeeded int
	for _, email := range emails {
		if err := s.reprocess(ctx, email); err != nil {
			s.log.Error("sweep: reprocess failed", zap.String("raw_email_id", email.ID), zap.Error(err))
			continue
		}
		succeeded++
	}
	if len(emails) > 0 {
		s.log.Info("sweep: reprocess batch complete", zap.Int("attempted", len(emails)), zap.Int("succeeded", succeeded))
	}
}

// reprocessOne loads a single raw_emails row by ID and reprocesses it.
// Used by the DLQ redispatch handler, which only carries the ID.
func (s *Scheduler) reprocessOne(ctx context.Context, rawEmailID string) error {
	email, found, err := s.q.GetRawEmailByID(ctx, rawEmailID)
	if err != nil {
		return fmt.Errorf("get raw email %s: %w", rawEmailID, err)
	}
	if !found {
		return fmt.Errorf("raw email %s no longer exists", rawEmailID)
	}
	return s.reprocess(ctx, email)
}

func (s *Scheduler) reprocess(ctx context.Context, email db.RawEmail) error {
	result, err := s.parser.ProcessEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if result.Event == nil {
		// Quarantined, or a maintenance-only email with no alert event
		// to correlate — nothing further to do.
		return nil
	}
	incident, err := s.correlator.Apply(ctx, *result.Event)
	if err != nil {
		return fmt.Errorf("correlate: %w", err)
	}
	if incident != nil {
		if _, err := correlate.EvaluateMaintenance(ctx, s.q, s.maintenanceCache, *incident, result.Event.OccurredAt, s.log); err != nil {
			s.log.Error("sweep: reprocess maintenance evaluation failed", zap.String("incident_id", incident.ID), zap.Error(err))
		}
	}
	return nil
}
