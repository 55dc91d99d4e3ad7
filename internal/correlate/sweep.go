package correlate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
)

// AutoResolveSweep finds incidents silent past auto_resolve_after and
// resolves them with resolution_reason = "silence_timeout" (spec §4.5
// "Auto-resolve sweeper"). Intended to be called by cmd/sweeper on a
// periodic ticker (default every 5 minutes).
func AutoResolveSweep(ctx context.Context, q db.Querier, cfg config.CorrelationConfig, at time.Time, log *zap.Logger) (int, error) {
	incidents, err := q.ListIncidentsForAutoResolve(ctx, at.Add(-cfg.AutoResolveAfter()))
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, incident := range incidents {
		if err := q.ResolveIncident(ctx, incident.ID, "silence_timeout", at); err != nil {
			log.Error("correlate: auto-resolve failed", zap.String("incident_id", incident.ID), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}

// ResolvingQuietPeriodSweep finds incidents sitting in status=resolving
// whose last firing event predates resolve_quiet_period and resolves
// them even though no new event arrived to trigger the transition
// through nextStatus (spec §4.5/§8 scenario 4: "after
// resolve_quiet_period with no new firing event, I -> resolved with
// resolved-at set").
func ResolvingQuietPeriodSweep(ctx context.Context, q db.Querier, cfg config.CorrelationConfig, at time.Time, log *zap.Logger) (int, error) {
	incidents, err := q.ListIncidentsForResolvingQuietPeriod(ctx, at.Add(-cfg.ResolveQuietPeriod()))
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, incident := range incidents {
		if err := q.ResolveIncident(ctx, incident.ID, "quiet_period_elapsed", at); err != nil {
			log.Error("correlate: resolving quiet-period sweep failed", zap.String("incident_id", incident.ID), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}
