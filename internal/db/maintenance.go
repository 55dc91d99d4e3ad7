package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const maintenanceWindowColumns = `
	id, source, external_event_id, title, organizer, start_at, end_at, timezone, scope,
	suppress_mode, is_active, is_recurring, recurrence_rule, created_at
`

func scanMaintenanceWindow(row pgx.Row) (MaintenanceWindow, error) {
	var w MaintenanceWindow
	err := row.Scan(&w.ID, &w.Source, &w.ExternalEventID, &w.Title, &w.Organizer, &w.StartAt, &w.EndAt,
		&w.Timezone, &w.Scope, &w.SuppressMode, &w.IsActive, &w.IsRecurring, &w.RecurrenceRule, &w.CreatedAt)
	return w, err
}

func (q *Queries) InsertMaintenanceWindow(ctx context.Context, arg InsertMaintenanceWindowParams) (MaintenanceWindow, error) {
	return scanMaintenanceWindow(q.db.QueryRow(ctx, `
		INSERT INTO maintenance_windows (
			id, source, external_event_id, title, organizer, start_at, end_at, timezone, scope,
			suppress_mode, is_active, is_recurring, recurrence_rule, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true,$11,$12,$13)
		ON CONFLICT (source, external_event_id) WHERE external_event_id IS NOT NULL
		DO UPDATE SET start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at
		RETURNING `+maintenanceWindowColumns,
		arg.ID, arg.Source, arg.ExternalEventID, arg.Title, arg.Organizer, arg.StartAt, arg.EndAt,
		arg.Timezone, arg.Scope, arg.SuppressMode, arg.IsRecurring, arg.RecurrenceRule, arg.CreatedAt))
}

func (q *Queries) GetMaintenanceWindowBySource(ctx context.Context, source, externalEventID string) (MaintenanceWindow, bool, error) {
	w, err := scanMaintenanceWindow(q.db.QueryRow(ctx, `
		SELECT `+maintenanceWindowColumns+` FROM maintenance_windows
		WHERE source = $1 AND external_event_id = $2
	`, source, externalEventID))
	if err == pgx.ErrNoRows {
		return MaintenanceWindow{}, false, nil
	}
	if err != nil {
		return MaintenanceWindow{}, false, err
	}
	return w, true, nil
}

// ListActiveMaintenanceWindows returns windows covering instant at
// (spec §4.6 "the set of active windows"). Recurrence expansion is
// handled in internal/maintenance on top of the stored base occurrence.
func (q *Queries) ListActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]MaintenanceWindow, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+maintenanceWindowColumns+` FROM maintenance_windows
		WHERE is_active = true AND (is_recurring = true OR (start_at <= $1 AND end_at >= $1))
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MaintenanceWindow
	for rows.Next() {
		w, err := scanMaintenanceWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetMaintenanceWindowActive flips is_active, used by the maintenance
// tick to turn windows off once they (and all recurrences) have
// elapsed (spec §4.6 "flips to false at the next evaluation tick").
func (q *Queries) SetMaintenanceWindowActive(ctx context.Context, id string, active bool) error {
	_, err := q.db.Exec(ctx, `UPDATE maintenance_windows SET is_active = $2 WHERE id = $1`, id, active)
	return err
}

func (q *Queries) InsertMaintenanceMatch(ctx context.Context, arg InsertMaintenanceMatchParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO maintenance_matches (id, window_id, incident_id, event_id, match_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, arg.ID, arg.WindowID, arg.IncidentID, arg.EventID, arg.MatchReason, arg.CreatedAt)
	return err
}
