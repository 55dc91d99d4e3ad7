package correlate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/maintenance"
)

type fakeQuerier struct {
	db.Querier
	incidents          map[string]db.Incident // by fingerprint
	byID               map[string]string      // incident id -> fingerprint
	events             map[string][]db.IncidentEventJoined
	nextSeq            int
	activeWindows      []db.MaintenanceWindow
	maintenanceMatches []db.InsertMaintenanceMatchParams
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		incidents: map[string]db.Incident{},
		byID:      map[string]string{},
		events:    map[string][]db.IncidentEventJoined{},
	}
}

func (f *fakeQuerier) ListActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]db.MaintenanceWindow, error) {
	return f.activeWindows, nil
}

func (f *fakeQuerier) InsertMaintenanceMatch(ctx context.Context, arg db.InsertMaintenanceMatchParams) error {
	f.maintenanceMatches = append(f.maintenanceMatches, arg)
	return nil
}

func (f *fakeQuerier) ListIncidentsInMaintenance(ctx context.Context) ([]db.Incident, error) {
	var out []db.Incident
	for _, i := range f.incidents {
		if i.IsInMaintenance {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeQuerier) ListIncidentsForResolvingQuietPeriod(ctx context.Context, olderThan time.Time) ([]db.Incident, error) {
	var out []db.Incident
	for _, i := range f.incidents {
		if i.Status != "resolving" {
			continue
		}
		last := i.LastSeenAt
		if i.LastFiringAt != nil {
			last = *i.LastFiringAt
		}
		if last.Before(olderThan) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeQuerier) AdvisoryLockFingerprint(ctx context.Context, fingerprint string) error {
	return nil
}

func (f *fakeQuerier) GetLiveIncidentByFingerprint(ctx context.Context, fingerprint string) (db.Incident, bool, error) {
	i, ok := f.incidents[fingerprint]
	if !ok {
		return db.Incident{}, false, nil
	}
	switch i.Status {
	case "open", "acknowledged", "resolving":
		return i, true, nil
	}
	return db.Incident{}, false, nil
}

func (f *fakeQuerier) InsertIncident(ctx context.Context, arg db.InsertIncidentParams) (db.Incident, error) {
	incident := db.Incident{
		ID: arg.ID, FingerprintV2: arg.FingerprintV2, Title: arg.Title, SourceTool: arg.SourceTool,
		Environment: arg.Environment, Region: arg.Region, Host: arg.Host, CheckName: arg.CheckName,
		Service: arg.Service, Tags: arg.Tags, Status: arg.Status, SeverityCurrent: arg.SeverityCurrent,
		SeverityMax: arg.SeverityMax, LastState: arg.LastState, FirstSeenAt: arg.FirstSeenAt,
		LastSeenAt: arg.LastSeenAt, EventCount: 1, LastStateChangeAt: arg.LastStateChangeAt,
		LastFiringAt: arg.LastFiringAt, CreatedAt: arg.CreatedAt, UpdatedAt: arg.UpdatedAt,
	}
	f.incidents[arg.FingerprintV2] = incident
	f.byID[arg.ID] = arg.FingerprintV2
	return incident, nil
}

func (f *fakeQuerier) UpdateIncidentState(ctx context.Context, arg db.UpdateIncidentStateParams) error {
	fp := f.byID[arg.ID]
	incident := f.incidents[fp]
	incident.Title = arg.Title
	incident.Tags = arg.Tags
	incident.Status = arg.Status
	incident.SeverityCurrent = arg.SeverityCurrent
	incident.SeverityMax = arg.SeverityMax
	incident.LastState = arg.LastState
	incident.LastSeenAt = arg.LastSeenAt
	incident.FirstSeenAt = arg.FirstSeenAt
	incident.ResolvedAt = arg.ResolvedAt
	incident.ResolutionReason = arg.ResolutionReason
	incident.EventCount = arg.EventCount
	incident.FlapCount = arg.FlapCount
	incident.LastStateChangeAt = arg.LastStateChangeAt
	incident.LastFiringAt = arg.LastFiringAt
	incident.IsInMaintenance = arg.IsInMaintenance
	incident.MaintenanceWindowID = arg.MaintenanceWindowID
	incident.IsFlapping = arg.IsFlapping
	incident.UpdatedAt = arg.UpdatedAt
	f.incidents[fp] = incident
	return nil
}

func (f *fakeQuerier) InsertIncidentEvent(ctx context.Context, arg db.InsertIncidentEventParams) error {
	f.nextSeq++
	f.events[arg.IncidentID] = append(f.events[arg.IncidentID], db.IncidentEventJoined{
		IncidentEvent: db.IncidentEvent{ID: arg.ID, IncidentID: arg.IncidentID, AlertEventID: arg.AlertEventID, IsDeduplicated: arg.IsDeduplicated, CreatedAt: arg.CreatedAt},
	})
	return nil
}

func (f *fakeQuerier) ListIncidentEventsOrdered(ctx context.Context, incidentID string) ([]db.IncidentEventJoined, error) {
	return append([]db.IncidentEventJoined{}, f.events[incidentID]...), nil
}

func (f *fakeQuerier) ListIncidentsForAutoResolve(ctx context.Context, olderThan time.Time) ([]db.Incident, error) {
	var out []db.Incident
	for _, i := range f.incidents {
		if (i.Status == "open" || i.Status == "acknowledged") && i.LastState != "firing" && i.LastSeenAt.Before(olderThan) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeQuerier) ResolveIncident(ctx context.Context, id, reason string, resolvedAt time.Time) error {
	fp := f.byID[id]
	incident := f.incidents[fp]
	incident.Status = "resolved"
	incident.ResolvedAt = &resolvedAt
	incident.ResolutionReason = &reason
	f.incidents[fp] = incident
	return nil
}

// attachAlertEvent is a test-only helper that fills in the AlertEvent
// side of the most recently inserted IncidentEvent, since the fake
// insert/list split mirrors the real schema's join but without a real
// alert_events table to join against.
func (f *fakeQuerier) attachAlertEvent(incidentID string, event db.AlertEvent) {
	list := f.events[incidentID]
	for i := range list {
		if list[i].AlertEventID == event.ID {
			list[i].AlertEvent = event
		}
	}
	f.events[incidentID] = list
}

func makeEvent(id, fingerprint, severity, state string, occurredAt time.Time, contentHash string) db.AlertEvent {
	return db.AlertEvent{
		ID: id, FingerprintV2: fingerprint, Host: "web-07", Service: "checkout",
		Severity: severity, State: state, OccurredAt: occurredAt, ContentHash: contentHash,
	}
}

func applyAndAttach(t *testing.T, c *Correlator, q *fakeQuerier, event db.AlertEvent) *db.Incident {
	t.Helper()
	incident, err := c.Apply(context.Background(), event)
	require.NoError(t, err)
	if incident != nil {
		q.attachAlertEvent(incident.ID, event)
	}
	return incident
}

func testConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		FlapThreshold:             5,
		FlapWindowMinutes:         30,
		ResolveQuietPeriodSeconds: 120,
		AutoResolveHours:          24,
		SingleOpenPerFingerprint:  true,
	}
}

func TestApply_CreatesIncidentOnFirstFiringEvent(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	incident := applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	require.NotNil(t, incident, "expected an incident to be created")
	assert.Equal(t, "open", incident.Status)
	assert.Equal(t, "high", incident.SeverityMax)
	assert.Equal(t, "high", incident.SeverityCurrent)
}

func TestApply_ResolvedEventWithNoLiveIncidentIsDropped(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	incident, err := c.Apply(context.Background(), makeEvent("e1", "fp1", "high", "resolved", t0, "h1"))
	require.NoError(t, err)
	assert.Nil(t, incident, "expected no incident for an orphan resolved event")
}

func TestApply_SeverityMaxNeverDecreases(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "critical", "firing", t0, "h1"))
	incident := applyAndAttach(t, c, q, makeEvent("e2", "fp1", "low", "firing", t0.Add(time.Minute), "h2"))

	assert.Equal(t, "critical", incident.SeverityMax, "expected severity_max to stay critical")
	assert.Equal(t, "low", incident.SeverityCurrent, "expected severity_current to track the latest event")
}

func TestApply_SingleLiveIncidentPerFingerprint(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	i1 := applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	i2 := applyAndAttach(t, c, q, makeEvent("e2", "fp1", "high", "firing", t0.Add(time.Minute), "h2"))

	assert.Equal(t, i1.ID, i2.ID, "expected the same incident to be reused for a live fingerprint")
}

func TestApply_ResolveHandlingMovesThroughResolvingThenResolved(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	afterResolve := applyAndAttach(t, c, q, makeEvent("e2", "fp1", "high", "resolved", t0.Add(time.Minute), "h2"))
	assert.Equal(t, "resolving", afterResolve.Status, "expected an immediate resolved event to move status to resolving unconditionally")

	quietPeriod := testConfig().ResolveQuietPeriod()
	afterQuiet := applyAndAttach(t, c, q, makeEvent("e3", "fp1", "high", "resolved", t0.Add(time.Minute).Add(quietPeriod), "h3"))
	assert.Equal(t, "resolved", afterQuiet.Status, "expected status resolved once the quiet period elapsed")
}

func TestApply_FiringWithinQuietPeriodRevertsToOpen(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	applyAndAttach(t, c, q, makeEvent("e2", "fp1", "high", "resolved", t0.Add(time.Minute), "h2"))
	reverted := applyAndAttach(t, c, q, makeEvent("e3", "fp1", "high", "firing", t0.Add(90*time.Second), "h3"))

	assert.Equal(t, "open", reverted.Status, "expected a firing event during the quiet period to revert status to open")
}

func TestApply_OutOfOrderEventsProduceSameFinalStateAsInOrder(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	inOrder := newFakeQuerier()
	c1 := New(inOrder, testConfig(), zap.NewNop())
	applyAndAttach(t, c1, inOrder, makeEvent("e1", "fp1", "medium", "firing", t0, "h1"))
	applyAndAttach(t, c1, inOrder, makeEvent("e2", "fp1", "critical", "firing", t0.Add(time.Minute), "h2"))
	finalInOrder := applyAndAttach(t, c1, inOrder, makeEvent("e3", "fp1", "low", "firing", t0.Add(2*time.Minute), "h3"))

	outOfOrder := newFakeQuerier()
	c2 := New(outOfOrder, testConfig(), zap.NewNop())
	applyAndAttach(t, c2, outOfOrder, makeEvent("e1", "fp1", "medium", "firing", t0, "h1"))
	applyAndAttach(t, c2, outOfOrder, makeEvent("e3", "fp1", "low", "firing", t0.Add(2*time.Minute), "h3"))
	finalOutOfOrder := applyAndAttach(t, c2, outOfOrder, makeEvent("e2", "fp1", "critical", "firing", t0.Add(time.Minute), "h2"))

	assert.Equal(t, finalInOrder.SeverityCurrent, finalOutOfOrder.SeverityCurrent, "severity_current diverged")
	assert.Equal(t, finalInOrder.SeverityMax, finalOutOfOrder.SeverityMax, "severity_max diverged")
	assert.True(t, finalInOrder.LastSeenAt.Equal(finalOutOfOrder.LastSeenAt), "last_seen_at diverged")
}

func TestApply_DeduplicatesEventsWithMatchingContentHash(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	incident := applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "same-hash"))
	applyAndAttach(t, c, q, makeEvent("e2", "fp1", "high", "firing", t0.Add(time.Minute), "same-hash"))

	events := q.events[incident.ID]
	assert.True(t, events[len(events)-1].IsDeduplicated, "expected the second event with a matching content hash to be marked deduplicated")
}

func TestAutoResolveSweep_ResolvesSilentIncidents(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "unknown", t0, "h1"))

	resolved, err := AutoResolveSweep(context.Background(), q, testConfig(), t0.Add(25*time.Hour), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	inc := q.incidents["fp1"]
	assert.Equal(t, "resolved", inc.Status)
	require.NotNil(t, inc.ResolutionReason)
	assert.Equal(t, "silence_timeout", *inc.ResolutionReason)
}

func scopeJSON(t *testing.T, scope maintenance.Scope) []byte {
	t.Helper()
	b, err := json.Marshal(scope)
	require.NoError(t, err)
	return b
}

func TestEvaluateMaintenance_FlagsIncidentCoveredByActiveWindow(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	incident := applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))

	q.activeWindows = []db.MaintenanceWindow{{
		ID: "window-1", Title: "weekend patching", IsActive: true,
		StartAt: t0.Add(-time.Hour), EndAt: t0.Add(time.Hour),
		Scope:        scopeJSON(t, maintenance.Scope{{Key: maintenance.SelectorHost, Values: []string{"web-*"}}}),
		SuppressMode: "mute",
	}}
	cache := maintenance.NewCache(q, time.Minute)

	changed, err := EvaluateMaintenance(context.Background(), q, cache, *incident, t0, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, changed, "expected is_in_maintenance to change from false to true")
	assert.True(t, q.incidents["fp1"].IsInMaintenance)
	require.Len(t, q.maintenanceMatches, 1)
	require.NotNil(t, q.maintenanceMatches[0].IncidentID)
	assert.Equal(t, incident.ID, *q.maintenanceMatches[0].IncidentID)
}

func TestMaintenanceSweep_ClearsIncidentsWhoseCoveringWindowEnded(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	inc := q.incidents["fp1"]
	inc.IsInMaintenance = true
	windowID := "window-1"
	inc.MaintenanceWindowID = &windowID
	q.incidents["fp1"] = inc

	q.activeWindows = nil
	cache := maintenance.NewCache(q, time.Hour)

	changed, err := MaintenanceSweep(context.Background(), q, cache, t0.Add(2*time.Hour), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.False(t, q.incidents["fp1"].IsInMaintenance, "expected is_in_maintenance cleared once no window covers the incident")
}

func TestResolvingQuietPeriodSweep_ResolvesIncidentsWithNoNewEvent(t *testing.T) {
	q := newFakeQuerier()
	c := New(q, testConfig(), zap.NewNop())
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	applyAndAttach(t, c, q, makeEvent("e1", "fp1", "high", "firing", t0, "h1"))
	applyAndAttach(t, c, q, makeEvent("e2", "fp1", "high", "resolved", t0.Add(time.Minute), "h2"))

	cfg := testConfig()
	resolved, err := ResolvingQuietPeriodSweep(context.Background(), q, cfg, t0.Add(time.Minute).Add(cfg.ResolveQuietPeriod()).Add(time.Second), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	inc := q.incidents["fp1"]
	assert.Equal(t, "resolved", inc.Status)
	require.NotNil(t, inc.ResolutionReason)
	assert.Equal(t, "quiet_period_elapsed", *inc.ResolutionReason)
}
