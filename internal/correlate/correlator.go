// Package correlate implements the state machine that turns the
// AlertEvent stream into Incident state (spec §4.5 "Correlator").
package correlate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/maintenance"
)

// Correlator applies one AlertEvent at a time to incident state. Every
// call to Apply should run inside a transaction the caller holds open
// for the duration of the advisory lock (cmd/correlator wraps this with
// db.New(tx) around a pg_advisory_xact_lock keyed by fingerprint).
type Correlator struct {
	q   db.Querier
	cfg config.CorrelationConfig
	log *zap.Logger
	now func() time.Time
}

func New(q db.Querier, cfg config.CorrelationConfig, log *zap.Logger) *Correlator {
	return &Correlator{q: q, cfg: cfg, log: log, now: time.Now}
}

// Apply runs the full correlation procedure for event (spec §4.5 steps
// 1-3). It returns the resulting incident, or nil if the event was a
// resolved event with no live incident to attach to (dropped per spec,
// the AlertEvent row itself is already persisted by the parser).
func (c *Correlator) Apply(ctx context.Context, event db.AlertEvent) (*db.Incident, error) {
	if err := c.q.AdvisoryLockFingerprint(ctx, event.FingerprintV2); err != nil {
		return nil, apperr.Transientf("correlate.Apply", "advisory lock: %v", err)
	}

	live, found, err := c.q.GetLiveIncidentByFingerprint(ctx, event.FingerprintV2)
	if err != nil {
		return nil, apperr.Transientf("correlate.Apply", "get live incident: %v", err)
	}

	if !found {
		if event.State == "resolved" {
			return nil, nil
		}
		return c.create(ctx, event)
	}

	return c.link(ctx, live, event)
}

func (c *Correlator) create(ctx context.Context, event db.AlertEvent) (*db.Incident, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var lastFiringAt *time.Time
	if event.State == "firing" {
		occurredAt := event.OccurredAt
		lastFiringAt = &occurredAt
	}
	incident, err := c.q.InsertIncident(ctx, db.InsertIncidentParams{
		ID:                id.String(),
		FingerprintV2:     event.FingerprintV2,
		Title:             incidentTitle(event),
		SourceTool:        event.SourceTool,
		Environment:       event.Environment,
		Region:            event.Region,
		Host:              event.Host,
		CheckName:         event.CheckName,
		Service:           event.Service,
		Tags:              event.Tags,
		Status:            "open",
		SeverityCurrent:   event.Severity,
		SeverityMax:       event.Severity,
		LastState:         event.State,
		FirstSeenAt:       event.OccurredAt,
		LastSeenAt:        event.OccurredAt,
		LastStateChangeAt: event.OccurredAt,
		LastFiringAt:      lastFiringAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, apperr.Transientf("correlate.create", "insert incident: %v", err)
	}

	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if err := c.q.InsertIncidentEvent(ctx, db.InsertIncidentEventParams{
		ID: eventID.String(), IncidentID: incident.ID, AlertEventID: event.ID, CreatedAt: now,
	}); err != nil {
		return nil, apperr.Transientf("correlate.create", "insert incident event: %v", err)
	}

	return &incident, nil
}

func (c *Correlator) link(ctx context.Context, incident db.Incident, event db.AlertEvent) (*db.Incident, error) {
	history, err := c.q.ListIncidentEventsOrdered(ctx, incident.ID)
	if err != nil {
		return nil, apperr.Transientf("correlate.link", "list incident events: %v", err)
	}

	deduplicated := len(history) > 0 && history[len(history)-1].AlertEvent.ContentHash == event.ContentHash

	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := c.now()
	if err := c.q.InsertIncidentEvent(ctx, db.InsertIncidentEventParams{
		ID: eventID.String(), IncidentID: incident.ID, AlertEventID: event.ID,
		IsDeduplicated: deduplicated, CreatedAt: now,
	}); err != nil {
		return nil, apperr.Transientf("correlate.link", "insert incident event: %v", err)
	}

	history = append(history, db.IncidentEventJoined{
		IncidentEvent: db.IncidentEvent{ID: eventID.String(), IncidentID: incident.ID, AlertEventID: event.ID, IsDeduplicated: deduplicated, CreatedAt: now},
		AlertEvent:    event,
	})

	state := recomputeState(history, incident.Status, c.cfg)

	if err := c.q.UpdateIncidentState(ctx, db.UpdateIncidentStateParams{
		ID:                  incident.ID,
		Title:               incident.Title,
		Tags:                state.Tags,
		Status:              state.Status,
		SeverityCurrent:     state.SeverityCurrent,
		SeverityMax:         state.SeverityMax,
		LastState:           state.LastState,
		LastSeenAt:          state.LastSeenAt,
		FirstSeenAt:         state.FirstSeenAt,
		ResolvedAt:          state.ResolvedAt,
		ResolutionReason:    state.ResolutionReason,
		EventCount:          state.EventCount,
		FlapCount:           state.FlapCount,
		LastStateChangeAt:   state.LastStateChangeAt,
		LastFiringAt:        state.LastFiringAt,
		IsInMaintenance:     incident.IsInMaintenance,
		MaintenanceWindowID: incident.MaintenanceWindowID,
		IsFlapping:          state.IsFlapping,
		UpdatedAt:           now,
	}); err != nil {
		return nil, apperr.Transientf("correlate.link", "update incident state: %v", err)
	}

	incident.Status = state.Status
	incident.SeverityCurrent = state.SeverityCurrent
	incident.SeverityMax = state.SeverityMax
	incident.LastState = state.LastState
	incident.Tags = state.Tags
	incident.LastSeenAt = state.LastSeenAt
	incident.FirstSeenAt = state.FirstSeenAt
	incident.ResolvedAt = state.ResolvedAt
	incident.ResolutionReason = state.ResolutionReason
	incident.EventCount = state.EventCount
	incident.FlapCount = state.FlapCount
	incident.LastStateChangeAt = state.LastStateChangeAt
	incident.LastFiringAt = state.LastFiringAt
	incident.IsFlapping = state.IsFlapping
	return &incident, nil
}

// ApplyMaintenance records a maintenance decision against a live
// incident (spec §4.6 "incident.is_in_maintenance = true"). Called by
// the caller after Apply, once the active-window cache has been
// evaluated against the incident's subject. Returns whether
// is_in_maintenance actually flipped, so sweep callers can report a
// meaningful count without re-deriving the comparison themselves.
func ApplyMaintenance(ctx context.Context, q db.Querier, incident db.Incident, decision maintenance.Decision, at time.Time) (bool, error) {
	var windowID *string
	if len(decision.MatchedWindows) > 0 {
		id := decision.MatchedWindows[0].ID
		windowID = &id
	}
	if incident.IsInMaintenance == (windowID != nil) {
		return false, nil
	}
	return true, q.UpdateIncidentState(ctx, db.UpdateIncidentStateParams{
		ID:                  incident.ID,
		Title:               incident.Title,
		Tags:                incident.Tags,
		Status:              incident.Status,
		SeverityCurrent:     incident.SeverityCurrent,
		SeverityMax:         incident.SeverityMax,
		LastState:           incident.LastState,
		LastSeenAt:          incident.LastSeenAt,
		FirstSeenAt:         incident.FirstSeenAt,
		ResolvedAt:          incident.ResolvedAt,
		ResolutionReason:    incident.ResolutionReason,
		EventCount:          incident.EventCount,
		FlapCount:           incident.FlapCount,
		LastStateChangeAt:   incident.LastStateChangeAt,
		LastFiringAt:        incident.LastFiringAt,
		IsInMaintenance:     windowID != nil,
		MaintenanceWindowID: windowID,
		IsFlapping:          incident.IsFlapping,
		UpdatedAt:           at,
	})
}

func incidentTitle(event db.AlertEvent) string {
	if event.Service != "" {
		return event.Host + " " + event.Service
	}
	return event.Host + " " + event.CheckName
}
