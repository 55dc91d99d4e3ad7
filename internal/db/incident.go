package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// AdvisoryLockFingerprint takes a transaction-scoped Postgres advisory
// lock keyed by the fingerprint, serializing concurrent correlator
// workers that race on the same incident (spec §4.5, §5 "serialized by
// a row lock or advisory lock keyed by the fingerprint"). Must be
// called inside the same transaction as the rest of the correlator's
// apply step; pg_advisory_xact_lock releases automatically on commit
// or rollback.
func (q *Queries) AdvisoryLockFingerprint(ctx context.Context, fingerprint string) error {
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fingerprint)
	return err
}

// GetLiveIncidentByFingerprint finds the unique row with fingerprint=f
// and status in {open, acknowledged, resolving} — the partial unique
// index makes this lookup deterministic (spec §4.5 step 1).
func (q *Queries) GetLiveIncidentByFingerprint(ctx context.Context, fingerprint string) (Incident, bool, error) {
	i, err := scanIncidentRow(q.db.QueryRow(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE fingerprint_v2 = $1 AND status IN ('open','acknowledged','resolving')
	`, fingerprint))
	if err == pgx.ErrNoRows {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return i, true, nil
}

const incidentColumns = `
	id, fingerprint_v2, title, source_tool, environment, region, host, check_name, service, tags,
	status, severity_current, severity_max, last_state, first_seen_at, last_seen_at, resolved_at,
	resolution_reason, event_count, flap_count, last_state_change_at, last_firing_at, is_in_maintenance,
	maintenance_window_id, is_flapping, ai_enrichment, created_at, updated_at
`

func scanIncidentRow(row pgx.Row) (Incident, error) {
	var i Incident
	err := row.Scan(&i.ID, &i.FingerprintV2, &i.Title, &i.SourceTool, &i.Environment, &i.Region,
		&i.Host, &i.CheckName, &i.Service, &i.Tags, &i.Status, &i.SeverityCurrent, &i.SeverityMax, &i.LastState,
		&i.FirstSeenAt, &i.LastSeenAt, &i.ResolvedAt, &i.ResolutionReason, &i.EventCount, &i.FlapCount,
		&i.LastStateChangeAt, &i.LastFiringAt, &i.IsInMaintenance, &i.MaintenanceWindowID, &i.IsFlapping,
		&i.AIEnrichment, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

func (q *Queries) InsertIncident(ctx context.Context, arg InsertIncidentParams) (Incident, error) {
	return scanIncidentRow(q.db.QueryRow(ctx, `
		INSERT INTO incidents (
			id, fingerprint_v2, title, source_tool, environment, region, host, check_name, service, tags,
			status, severity_current, severity_max, last_state, first_seen_at, last_seen_at,
			event_count, flap_count, last_state_change_at, last_firing_at, is_in_maintenance, is_flapping, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1,0,$17,$18,false,false,$19,$20)
		RETURNING `+incidentColumns, arg.ID, arg.FingerprintV2, arg.Title, arg.SourceTool, arg.Environment,
		arg.Region, arg.Host, arg.CheckName, arg.Service, arg.Tags, arg.Status, arg.SeverityCurrent, arg.SeverityMax,
		arg.LastState, arg.FirstSeenAt, arg.LastSeenAt, arg.LastStateChangeAt, arg.LastFiringAt, arg.CreatedAt, arg.UpdatedAt))
}

// UpdateIncidentState rewrites the mutable fields of an incident after
// the correlator recomputes state from the full linked event history
// (spec §4.5 step 3, ordering guarantee in §4.5/§8).
func (q *Queries) UpdateIncidentState(ctx context.Context, arg UpdateIncidentStateParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE incidents SET
			title = $2, tags = $3, status = $4, severity_current = $5, severity_max = $6, last_state = $7,
			last_seen_at = $8, first_seen_at = $9, resolved_at = $10, resolution_reason = $11,
			event_count = $12, flap_count = $13, last_state_change_at = $14, last_firing_at = $15,
			is_in_maintenance = $16, maintenance_window_id = $17, is_flapping = $18, updated_at = $19
		WHERE id = $1
	`, arg.ID, arg.Title, arg.Tags, arg.Status, arg.SeverityCurrent, arg.SeverityMax, arg.LastState,
		arg.LastSeenAt, arg.FirstSeenAt, arg.ResolvedAt, arg.ResolutionReason, arg.EventCount,
		arg.FlapCount, arg.LastStateChangeAt, arg.LastFiringAt, arg.IsInMaintenance, arg.MaintenanceWindowID,
		arg.IsFlapping, arg.UpdatedAt)
	return err
}

func (q *Queries) InsertIncidentEvent(ctx context.Context, arg InsertIncidentEventParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO incident_events (id, incident_id, alert_event_id, is_deduplicated, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, arg.ID, arg.IncidentID, arg.AlertEventID, arg.IsDeduplicated, arg.CreatedAt)
	return err
}

// ListIncidentEventsOrdered returns every linked alert event in
// occurred-at order, the basis for recomputing severity-current and
// last-state after an out-of-order write (spec §4.5 "Ordering guarantee").
func (q *Queries) ListIncidentEventsOrdered(ctx context.Context, incidentID string) ([]IncidentEventJoined, error) {
	rows, err := q.db.Query(ctx, `
		SELECT ie.id, ie.incident_id, ie.alert_event_id, ie.is_deduplicated, ie.created_at,
			ae.id, ae.raw_email_id, ae.source_tool, ae.environment, ae.region, ae.host, ae.check_name,
			ae.service, ae.severity, ae.state, ae.occurred_at, ae.normalized_signature, ae.fingerprint_v2,
			ae.content_hash, ae.payload, ae.tags, ae.is_suppressed, ae.suppression_reason, ae.created_at
		FROM incident_events ie
		JOIN alert_events ae ON ae.id = ie.alert_event_id
		WHERE ie.incident_id = $1
		ORDER BY ae.occurred_at ASC
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncidentEventJoined
	for rows.Next() {
		var j IncidentEventJoined
		if err := rows.Scan(&j.ID, &j.IncidentID, &j.AlertEventID, &j.IsDeduplicated, &j.CreatedAt,
			&j.AlertEvent.ID, &j.AlertEvent.RawEmailID, &j.AlertEvent.SourceTool, &j.AlertEvent.Environment,
			&j.AlertEvent.Region, &j.AlertEvent.Host, &j.AlertEvent.CheckName, &j.AlertEvent.Service,
			&j.AlertEvent.Severity, &j.AlertEvent.State, &j.AlertEvent.OccurredAt, &j.AlertEvent.NormalizedSignature,
			&j.AlertEvent.FingerprintV2, &j.AlertEvent.ContentHash, &j.AlertEvent.Payload, &j.AlertEvent.Tags,
			&j.AlertEvent.IsSuppressed, &j.AlertEvent.SuppressionReason, &j.AlertEvent.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListIncidentsForAutoResolve backs the auto-resolve sweeper: incidents
// with status in {open, acknowledged} whose last-seen-at is older than
// auto_resolve_after and whose last-state is not firing (spec §4.5).
func (q *Queries) ListIncidentsForAutoResolve(ctx context.Context, olderThan time.Time) ([]Incident, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status IN ('open','acknowledged') AND last_state != 'firing' AND last_seen_at < $1
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		i, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListIncidentsForResolvingQuietPeriod backs the resolving-quiet-period
// sweep: incidents sitting in status=resolving whose last firing event
// (or, absent one, their last-seen-at) predates the cutoff — i.e. the
// quiet period has elapsed with no new firing event to revert them
// (spec §4.5/§8 scenario 4 "after resolve_quiet_period with no new
// firing event, I -> resolved").
func (q *Queries) ListIncidentsForResolvingQuietPeriod(ctx context.Context, olderThan time.Time) ([]Incident, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE status = 'resolving' AND COALESCE(last_firing_at, last_seen_at) < $1
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		i, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListIncidentsInMaintenance backs the maintenance re-evaluation sweep:
// every live incident currently flagged is_in_maintenance, re-checked
// against the active-windows snapshot each tick so is_in_maintenance
// flips back to false once every covering window ends (spec §4.6
// "Tick").
func (q *Queries) ListIncidentsInMaintenance(ctx context.Context) ([]Incident, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE is_in_maintenance = true AND status IN ('open','acknowledged','resolving')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		i, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (q *Queries) ResolveIncident(ctx context.Context, id, reason string, resolvedAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE incidents SET status = 'resolved', resolved_at = $2, resolution_reason = $3, updated_at = $2
		WHERE id = $1
	`, id, resolvedAt, reason)
	return err
}
