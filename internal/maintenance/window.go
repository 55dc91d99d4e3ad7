package maintenance

import (
	"fmt"
	"strings"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
)

// Candidate is a parsed, not-yet-persisted maintenance window.
type Candidate struct {
	Title          string
	Scope          Scope
	SuppressMode   string // mute | downgrade | digest
	Start          time.Time
	End            time.Time
	Timezone       string
	IsRecurring    bool
	RecurrenceRule string
}

// HasMaintenancePrefix reports whether subject carries one of the
// configured maintenance subject prefixes (spec §4.2 step 6, §4.6).
func HasMaintenancePrefix(subject string, prefixes []string) bool {
	trimmed := strings.TrimSpace(subject)
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// ParseBody parses the structured body form spec §4.6 defines:
//
//	Title: <text>
//	Scope: <selector-list>
//	Mode: mute|downgrade|digest
//	Start: <timestamp>
//	End:   <timestamp>
//	Timezone: <IANA zone>
//
// A selector-list is ";"-separated "key=value[,value...]" entries.
func ParseBody(body string) (Candidate, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
	}

	c := Candidate{
		Title:        fields["title"],
		SuppressMode: strings.ToLower(fields["mode"]),
		Timezone:     fields["timezone"],
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Candidate{}, apperr.Dataf("maintenance.ParseBody", "unknown timezone %q: %v", c.Timezone, err)
	}

	if c.SuppressMode != "mute" && c.SuppressMode != "downgrade" && c.SuppressMode != "digest" {
		return Candidate{}, apperr.Dataf("maintenance.ParseBody", "invalid mode %q", fields["mode"])
	}

	start, err := parseTimestamp(fields["start"], loc)
	if err != nil {
		return Candidate{}, apperr.Dataf("maintenance.ParseBody", "invalid start: %v", err)
	}
	end, err := parseTimestamp(fields["end"], loc)
	if err != nil {
		return Candidate{}, apperr.Dataf("maintenance.ParseBody", "invalid end: %v", err)
	}
	if !end.After(start) {
		return Candidate{}, apperr.Dataf("maintenance.ParseBody", "end %v must be after start %v", end, start)
	}
	c.Start, c.End = start, end

	scope, err := parseScope(fields["scope"])
	if err != nil {
		return Candidate{}, err
	}
	c.Scope = scope

	return c, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTimestamp(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func parseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var scope Scope
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idx := strings.Index(entry, "=")
		if idx < 0 {
			return nil, apperr.Dataf("maintenance.parseScope", "malformed selector %q", entry)
		}
		key := SelectorKey(strings.ToLower(strings.TrimSpace(entry[:idx])))
		switch key {
		case SelectorHost, SelectorService, SelectorEnv, SelectorRegion, SelectorTag:
		default:
			return nil, apperr.Dataf("maintenance.parseScope", "unknown selector key %q", key)
		}
		values := strings.Split(entry[idx+1:], ",")
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		scope = append(scope, Selector{Key: key, Values: values})
	}
	return scope, nil
}
