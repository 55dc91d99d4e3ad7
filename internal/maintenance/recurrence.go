package maintenance

import (
	"strconv"
	"strings"
	"time"

	"github.com/kapella-hub/ngs/internal/db"
)

// rrule is the minimal subset of RFC 5545 RRULE this engine
// understands: FREQ (DAILY|WEEKLY), INTERVAL, COUNT, UNTIL. Anything
// richer (BYDAY, BYMONTH, ...) is out of scope for a noise-reduction
// maintenance window and falls back to treating the window as
// non-recurring (single occurrence at its base start/end).
type rrule struct {
	freq     string
	interval int
	count    int
	until    *time.Time
	single   bool // an unsupported part was present: base occurrence only
}

func parseRRule(raw string) rrule {
	r := rrule{interval: 1}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToUpper(kv[0]) {
		case "FREQ":
			r.freq = strings.ToUpper(kv[1])
			if r.freq != "DAILY" && r.freq != "WEEKLY" {
				r.single = true
			}
		case "INTERVAL":
			if n, err := strconv.Atoi(kv[1]); err == nil {
				r.interval = n
			}
		case "COUNT":
			if n, err := strconv.Atoi(kv[1]); err == nil {
				r.count = n
			}
		case "UNTIL":
			if t, err := parseICSTime(kv[1], nil); err == nil {
				r.until = &t
			}
		default:
			r.single = true
		}
	}
	return r
}

func (r rrule) period() time.Duration {
	switch r.freq {
	case "WEEKLY":
		return 7 * 24 * time.Hour * time.Duration(r.interval)
	default: // DAILY and unknown default to daily cadence
		return 24 * time.Hour * time.Duration(r.interval)
	}
}

// RecurrenceCovers reports whether t falls inside any occurrence of w's
// recurring window, derived by repeating the base [StartAt, EndAt]
// duration every r.period() starting at StartAt, bounded by COUNT or
// UNTIL when present.
func RecurrenceCovers(w db.MaintenanceWindow, t time.Time) bool {
	if w.RecurrenceRule == nil || *w.RecurrenceRule == "" {
		return !t.Before(w.StartAt) && !t.After(w.EndAt)
	}
	r := parseRRule(*w.RecurrenceRule)
	if r.single {
		return !t.Before(w.StartAt) && !t.After(w.EndAt)
	}
	duration := w.EndAt.Sub(w.StartAt)
	period := r.period()
	if period <= 0 || t.Before(w.StartAt) {
		return false
	}

	elapsed := t.Sub(w.StartAt)
	occurrence := elapsed / period
	if r.count > 0 && int(occurrence) >= r.count {
		return false
	}

	occStart := w.StartAt.Add(period * occurrence)
	occEnd := occStart.Add(duration)
	if r.until != nil && occStart.After(*r.until) {
		return false
	}
	return !t.Before(occStart) && !t.After(occEnd)
}
