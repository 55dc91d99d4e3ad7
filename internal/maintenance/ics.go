package maintenance

import (
	"bufio"
	"strings"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
)

// ICSEvent is the subset of a VEVENT block NGS cares about: start/end,
// organizer, summary, and a raw recurrence rule string. No third-party
// ICS library appears anywhere in the retrieval pack (see DESIGN.md),
// so this is a small hand-rolled line scanner over the unfolded
// content lines of a VCALENDAR payload — RFC 5545 folding (continuation
// lines starting with a space) is undone before scanning.
type ICSEvent struct {
	Summary   string
	Organizer string
	Start     time.Time
	End       time.Time
	RRule     string
}

// ParseICS extracts the first VEVENT block from an ICS payload. When a
// calendar-invite payload is present its start/end and recurrence
// override any body-parsed values (spec §4.6).
func ParseICS(payload string) (ICSEvent, error) {
	lines := unfold(payload)

	var ev ICSEvent
	inEvent := false
	found := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "BEGIN:VEVENT":
			inEvent = true
			ev = ICSEvent{}
		case trimmed == "END:VEVENT":
			if inEvent {
				found = true
			}
			inEvent = false
			if found {
				return ev, nil
			}
		case inEvent:
			name, params, value := splitICSLine(trimmed)
			switch name {
			case "SUMMARY":
				ev.Summary = unescapeICS(value)
			case "ORGANIZER":
				ev.Organizer = strings.TrimPrefix(strings.ToLower(value), "mailto:")
			case "DTSTART":
				if t, err := parseICSTime(value, params); err == nil {
					ev.Start = t
				}
			case "DTEND":
				if t, err := parseICSTime(value, params); err == nil {
					ev.End = t
				}
			case "RRULE":
				ev.RRule = value
			}
		}
	}

	if !found {
		return ICSEvent{}, apperr.Dataf("maintenance.ParseICS", "no VEVENT block found")
	}
	return ev, nil
}

// unfold reverses RFC 5545 line folding: a continuation line begins
// with a single space or tab and is appended to the previous line.
func unfold(payload string) []string {
	scanner := bufio.NewScanner(strings.NewReader(payload))
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += strings.TrimPrefix(strings.TrimPrefix(line, " "), "\t")
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// splitICSLine splits "NAME;PARAM=VAL:value" into name, params, value.
func splitICSLine(line string) (name string, params map[string]string, value string) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", nil, ""
	}
	head, value := line[:colon], line[colon+1:]
	parts := strings.Split(head, ";")
	name = strings.ToUpper(parts[0])
	params = map[string]string{}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 {
			params[strings.ToUpper(kv[0])] = kv[1]
		}
	}
	return name, params, value
}

func unescapeICS(v string) string {
	r := strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n", `\\`, `\`)
	return r.Replace(v)
}

var icsTimeLayouts = []string{"20060102T150405Z", "20060102T150405", "20060102"}

func parseICSTime(value string, params map[string]string) (time.Time, error) {
	loc := time.UTC
	if tzid, ok := params["TZID"]; ok {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	var lastErr error
	for _, layout := range icsTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
