package correlate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/maintenance"
)

// EvaluateMaintenance applies the active-window snapshot to a live
// incident's subject (spec §4.6 "Application") and persists the
// resulting is_in_maintenance transition plus one MaintenanceMatch row
// per matched window. Called after Correlator.Apply by the consumer
// and reprocess paths, and once per covered incident by MaintenanceSweep.
func EvaluateMaintenance(ctx context.Context, q db.Querier, cache *maintenance.Cache, incident db.Incident, at time.Time, log *zap.Logger) (bool, error) {
	windows, err := cache.Get(ctx)
	if err != nil {
		return false, err
	}

	subject := maintenance.Subject{
		Host:        incident.Host,
		Service:     incident.Service,
		Environment: incident.Environment,
		Region:      incident.Region,
		Tags:        incident.Tags,
	}
	decision := maintenance.Apply(windows, subject, at)

	changed, err := ApplyMaintenance(ctx, q, incident, decision, at)
	if err != nil {
		return changed, err
	}

	incidentID := incident.ID
	for _, w := range decision.MatchedWindows {
		if err := maintenance.RecordMatch(ctx, q, w, subject, &incidentID, nil, at, log); err != nil {
			log.Error("correlate: record maintenance match failed", zap.String("incident_id", incidentID), zap.Error(err))
		}
	}
	return changed, nil
}

// MaintenanceSweep re-evaluates every incident currently flagged
// is_in_maintenance against the latest active-window snapshot, so
// is_in_maintenance flips back to false once every covering window has
// ended (spec §4.6 "Tick": "When all active windows covering an
// incident end, is_in_maintenance flips to false at the next
// evaluation tick").
func MaintenanceSweep(ctx context.Context, q db.Querier, cache *maintenance.Cache, at time.Time, log *zap.Logger) (int, error) {
	incidents, err := q.ListIncidentsInMaintenance(ctx)
	if err != nil {
		return 0, err
	}

	cache.Invalidate()

	changedCount := 0
	for _, incident := range incidents {
		changed, err := EvaluateMaintenance(ctx, q, cache, incident, at, log)
		if err != nil {
			log.Error("correlate: maintenance sweep evaluate failed", zap.String("incident_id", incident.ID), zap.Error(err))
			continue
		}
		if changed {
			changedCount++
		}
	}
	return changedCount, nil
}
