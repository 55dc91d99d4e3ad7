package correlate

import (
	"sort"
	"time"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/severity"
)

// state is the mutable projection of an incident derived from its full
// linked AlertEvent history.
type state struct {
	SeverityCurrent   string
	SeverityMax       string
	LastState         string
	Tags              []string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	EventCount        int64
	FlapCount         int64
	LastStateChangeAt time.Time
	LastFiringAt      *time.Time
	IsFlapping        bool
	Status            string
	ResolvedAt        *time.Time
	ResolutionReason  *string
}

// recomputeState derives the full incident projection from scratch
// from its linked event history, sorted into occurred-at order
// regardless of the order events were appended in (spec §4.5 "Ordering
// guarantee": two events applied out of order must still produce the
// same final state as in-order application).
func recomputeState(history []db.IncidentEventJoined, previousStatus string, cfg config.CorrelationConfig) state {
	events := make([]db.AlertEvent, 0, len(history))
	for _, h := range history {
		events = append(events, h.AlertEvent)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	first := events[0]
	last := events[len(events)-1]

	st := state{
		SeverityCurrent:   last.Severity,
		SeverityMax:       first.Severity,
		LastState:         last.State,
		Tags:              last.Tags,
		FirstSeenAt:       first.OccurredAt,
		LastSeenAt:        last.OccurredAt,
		EventCount:        int64(len(events)),
		LastStateChangeAt: first.OccurredAt,
	}

	var lastFiringAt time.Time
	var flapTimestamps []time.Time
	prevState := ""
	for i, e := range events {
		st.SeverityMax = severity.Max(st.SeverityMax, e.Severity)
		if e.State == "firing" {
			lastFiringAt = e.OccurredAt
		}
		if i > 0 && e.State != prevState {
			st.FlapCount++
			st.LastStateChangeAt = e.OccurredAt
			flapTimestamps = append(flapTimestamps, e.OccurredAt)
		}
		prevState = e.State
	}

	st.IsFlapping = countWithinWindow(flapTimestamps, last.OccurredAt, cfg.FlapWindow()) >= cfg.FlapThreshold

	if !lastFiringAt.IsZero() {
		firingAt := lastFiringAt
		st.LastFiringAt = &firingAt
	}

	st.Status = nextStatus(previousStatus, last.State, lastFiringAt, last.OccurredAt, cfg.ResolveQuietPeriod())
	if st.Status == "resolved" {
		resolvedAt := last.OccurredAt
		reason := "quiet_period_elapsed"
		st.ResolvedAt = &resolvedAt
		st.ResolutionReason = &reason
	}

	return st
}

// nextStatus applies spec §4.5 "Resolve handling": a resolved event
// unconditionally moves an open/acknowledged incident to resolving;
// resolving becomes resolved once resolve_quiet_period has elapsed
// since the last firing event; a firing event arriving while resolving
// reverts the incident to open.
func nextStatus(previousStatus, lastEventState string, lastFiringAt, lastSeenAt time.Time, quietPeriod time.Duration) string {
	switch previousStatus {
	case "resolved", "suppressed":
		return previousStatus
	}

	if lastEventState != "resolved" {
		if previousStatus == "resolving" {
			return "open"
		}
		return previousStatus
	}

	if previousStatus != "resolving" {
		return "resolving"
	}

	if lastFiringAt.IsZero() || lastSeenAt.Sub(lastFiringAt) >= quietPeriod {
		return "resolved"
	}
	return "resolving"
}

func countWithinWindow(timestamps []time.Time, at time.Time, window time.Duration) int {
	if window <= 0 {
		return 0
	}
	count := 0
	cutoff := at.Add(-window)
	for _, ts := range timestamps {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}
