package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/db"
)

// ActiveWindow pairs a stored window with its parsed Scope, ready to
// evaluate against events without re-unmarshaling JSON per event.
type ActiveWindow struct {
	db.MaintenanceWindow
	Scope Scope
}

// Cache holds the active-windows snapshot each worker keeps with a TTL
// (spec §5 "Active maintenance-windows list is cached in each worker
// with TTL (default 30s) and invalidated on any window create/update/
// delete").
type Cache struct {
	q   db.Querier
	ttl time.Duration
	now func() time.Time

	windows   []ActiveWindow
	expiresAt time.Time
}

func NewCache(q db.Querier, ttl time.Duration) *Cache {
	return &Cache{q: q, ttl: ttl, now: time.Now}
}

// Invalidate forces the next Get to reload from the store.
func (c *Cache) Invalidate() { c.expiresAt = time.Time{} }

func (c *Cache) Get(ctx context.Context) ([]ActiveWindow, error) {
	now := c.now()
	if now.Before(c.expiresAt) {
		return c.windows, nil
	}

	rows, err := c.q.ListActiveMaintenanceWindows(ctx, now)
	if err != nil {
		return nil, err
	}

	windows := make([]ActiveWindow, 0, len(rows))
	for _, w := range rows {
		var scope Scope
		if len(w.Scope) > 0 {
			if err := json.Unmarshal(w.Scope, &scope); err != nil {
				continue
			}
		}
		windows = append(windows, ActiveWindow{MaintenanceWindow: w, Scope: scope})
	}

	c.windows = windows
	c.expiresAt = now.Add(c.ttl)
	return c.windows, nil
}

// Decision is the outcome of applying every active window to a subject.
// Downgrade is a bool, not a severity value: the caller holds the
// event's actual severity and applies severity.Downgrade itself (spec
// §4.6 "reduce the effective severity used for routing by one enum
// step; record original in payload").
type Decision struct {
	Suppressed     bool
	Digest         bool
	Downgrade      bool
	MatchedWindows []ActiveWindow
}

// Apply evaluates every active window against subject at t and returns
// the combined decision. Decision.MatchedWindows lists the windows that
// matched; the caller records a MaintenanceMatch row for each with
// RecordMatch (spec §4.6 "Application").
func Apply(windows []ActiveWindow, subject Subject, t time.Time) Decision {
	var d Decision
	for _, w := range windows {
		if !covers(w.MaintenanceWindow, t) {
			continue
		}
		result := Match(w.Scope, subject)
		if !result.Matched {
			continue
		}
		d.MatchedWindows = append(d.MatchedWindows, w)

		switch w.SuppressMode {
		case "mute":
			d.Suppressed = true
		case "downgrade":
			d.Downgrade = true
		case "digest":
			d.Suppressed = true
			d.Digest = true
		}
	}
	return d
}

func covers(w db.MaintenanceWindow, t time.Time) bool {
	if !w.IsActive {
		return false
	}
	if !w.IsRecurring {
		return !t.Before(w.StartAt) && !t.After(w.EndAt)
	}
	return RecurrenceCovers(w, t)
}

// BuildMatchReason renders the selector reasons of the window(s) that
// matched into the match_reason JSON the MaintenanceMatch table stores
// (spec §4.6 "whose match_reason JSON enumerates which selectors
// matched with which values").
func BuildMatchReason(scope Scope, subject Subject) ([]byte, error) {
	result := Match(scope, subject)
	return json.Marshal(result.SelectorReasons)
}

// RecordMatch inserts a MaintenanceMatch row for an event-or-incident
// match against window w.
func RecordMatch(ctx context.Context, q db.Querier, w ActiveWindow, subject Subject, incidentID, eventID *string, at time.Time, log *zap.Logger) error {
	reason, err := BuildMatchReason(w.Scope, subject)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	if err := q.InsertMaintenanceMatch(ctx, db.InsertMaintenanceMatchParams{
		ID: id.String(), WindowID: w.ID, IncidentID: incidentID, EventID: eventID,
		MatchReason: reason, CreatedAt: at,
	}); err != nil {
		log.Error("maintenance: record match failed", zap.String("window_id", w.ID), zap.Error(err))
		return err
	}
	return nil
}

// Tick runs the periodic evaluation (default 60s, spec §4.6): every
// window whose current+recurring occurrences have all ended flips
// is_active to false.
func Tick(ctx context.Context, q db.Querier, at time.Time, log *zap.Logger) error {
	windows, err := q.ListActiveMaintenanceWindows(ctx, at)
	if err != nil {
		return err
	}
	for _, w := range windows {
		if covers(w, at) {
			continue
		}
		if w.IsRecurring && w.RecurrenceRule != nil && *w.RecurrenceRule != "" {
			r := parseRRule(*w.RecurrenceRule)
			lastStart := w.StartAt
			switch {
			case r.single:
			case r.count > 0:
				lastStart = w.StartAt.Add(r.period() * time.Duration(r.count-1))
			case r.until != nil:
				lastStart = *r.until
			default:
				continue // neither COUNT nor UNTIL: occurrences never run out
			}
			if !at.After(lastStart.Add(w.EndAt.Sub(w.StartAt))) {
				continue
			}
		}
		if err := q.SetMaintenanceWindowActive(ctx, w.ID, false); err != nil {
			log.Error("maintenance: tick deactivate failed", zap.String("window_id", w.ID), zap.Error(err))
		}
	}
	return nil
}
