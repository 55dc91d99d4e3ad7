package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

func (q *Queries) InsertAlertEvent(ctx context.Context, arg InsertAlertEventParams) (AlertEvent, error) {
	var e AlertEvent
	err := q.db.QueryRow(ctx, `
		INSERT INTO alert_events (
			id, raw_email_id, source_tool, environment, region, host, check_name, service,
			severity, state, occurred_at, normalized_signature, fingerprint_v2, content_hash,
			payload, tags, is_suppressed, suppression_reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id, raw_email_id, source_tool, environment, region, host, check_name, service,
			severity, state, occurred_at, normalized_signature, fingerprint_v2, content_hash,
			payload, tags, is_suppressed, suppression_reason, created_at
	`, arg.ID, arg.RawEmailID, arg.SourceTool, arg.Environment, arg.Region, arg.Host, arg.CheckName,
		arg.Service, arg.Severity, arg.State, arg.OccurredAt, arg.NormalizedSignature, arg.FingerprintV2,
		arg.ContentHash, arg.Payload, arg.Tags, arg.IsSuppressed, arg.SuppressionReason, arg.CreatedAt).
		Scan(&e.ID, &e.RawEmailID, &e.SourceTool, &e.Environment, &e.Region, &e.Host, &e.CheckName,
			&e.Service, &e.Severity, &e.State, &e.OccurredAt, &e.NormalizedSignature, &e.FingerprintV2,
			&e.ContentHash, &e.Payload, &e.Tags, &e.IsSuppressed, &e.SuppressionReason, &e.CreatedAt)
	return e, err
}

// GetAlertEventByID loads the full row a correlator consumer needs:
// the NATS envelope it reads off ALERT_EVENTS.> carries only the ID,
// keeping messages small and the row itself the single source of truth.
func (q *Queries) GetAlertEventByID(ctx context.Context, id string) (AlertEvent, bool, error) {
	var e AlertEvent
	err := q.db.QueryRow(ctx, `
		SELECT id, raw_email_id, source_tool, environment, region, host, check_name, service,
			severity, state, occurred_at, normalized_signature, fingerprint_v2, content_hash,
			payload, tags, is_suppressed, suppression_reason, created_at
		FROM alert_events WHERE id = $1
	`, id).Scan(&e.ID, &e.RawEmailID, &e.SourceTool, &e.Environment, &e.Region, &e.Host, &e.CheckName,
		&e.Service, &e.Severity, &e.State, &e.OccurredAt, &e.NormalizedSignature, &e.FingerprintV2,
		&e.ContentHash, &e.Payload, &e.Tags, &e.IsSuppressed, &e.SuppressionReason, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return AlertEvent{}, false, nil
	}
	if err != nil {
		return AlertEvent{}, false, err
	}
	return e, true, nil
}
