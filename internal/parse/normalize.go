package parse

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kapella-hub/ngs/internal/severity"
)

// Normalized is an Extraction reduced to the canonical enums and
// lowercase/trimmed string forms an AlertEvent stores (spec §4.2,
// §3 AlertEvent "severity ∈ {critical, high, medium, low, info}, state
// ∈ {firing, resolved, unknown}").
type Normalized struct {
	SourceTool  string
	Environment string
	Region      string
	Host        string
	Service     string
	Severity    string
	State       string
	Tags        []string
}

// Normalize maps raw extraction tokens onto the stored enums (spec
// §4.2 "Field normalization"). An unrecognized severity degrades to
// medium; an unrecognized state degrades to unknown. Host is
// lowercased with any trailing dot stripped. Tags are the union of the
// rule's static tags and any key=value fragments found in body.
func Normalize(ext Extraction, body string) Normalized {
	sev := strings.ToLower(strings.TrimSpace(ext.Severity))
	if !severity.Valid(sev) {
		sev = severity.Medium
	}

	state := normalizeState(ext.State)

	tags := append([]string{}, ext.StaticTags...)
	tags = append(tags, extractBodyTags(body)...)
	sort.Strings(tags)
	tags = dedupe(tags)

	return Normalized{
		SourceTool:  strings.ToLower(strings.TrimSpace(ext.SourceTool)),
		Environment: strings.ToLower(strings.TrimSpace(ext.Environment)),
		Region:      strings.ToLower(strings.TrimSpace(ext.Region)),
		Host:        normalizeHost(ext.Host),
		Service:     strings.ToLower(strings.TrimSpace(ext.Service)),
		Severity:    sev,
		State:       state,
		Tags:        tags,
	}
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(h, ".")
}

// normalizeState maps a raw state token onto {firing, resolved,
// unknown}; "ok" and "recovery" explicitly mean resolved (spec §4.2).
func normalizeState(raw string) string {
	state := strings.ToLower(strings.TrimSpace(raw))
	switch state {
	case "firing", "resolved":
		return state
	case "ok", "recovery", "recovered":
		return "resolved"
	default:
		return "unknown"
	}
}

var bodyTagRe = regexp.MustCompile(`(?m)^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*(\S+)\s*$`)

// extractBodyTags finds key=value fragments on their own line in body
// and renders them as "key:value" tags.
func extractBodyTags(body string) []string {
	matches := bodyTagRe.FindAllStringSubmatch(body, -1)
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, strings.ToLower(m[1])+":"+strings.ToLower(m[2]))
	}
	return tags
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}
