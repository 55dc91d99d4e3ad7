// Package maintenance implements the maintenance-window engine: scope
// matching against incoming alert events/incidents, window detection
// from structured email bodies and calendar invites, and the
// periodic tick that clears is_in_maintenance once every covering
// window has ended (spec §4.6).
package maintenance

import (
	"path/filepath"
	"regexp"
	"strings"
)

// SelectorKey enumerates the selector keys a scope may combine.
type SelectorKey string

const (
	SelectorHost    SelectorKey = "host"
	SelectorService SelectorKey = "service"
	SelectorEnv     SelectorKey = "env"
	SelectorRegion  SelectorKey = "region"
	SelectorTag     SelectorKey = "tag"
)

// Selector is one "key=value-or-glob" entry (spec §4.6). Host and
// service additionally accept an optional compiled regex alternative
// in Regex; when set, Regex alone decides the match and Values are not
// consulted.
type Selector struct {
	Key    SelectorKey `json:"key"`
	Values []string    `json:"values"`
	Regex  string      `json:"regex,omitempty"`
}

// Scope is the full selector list of a maintenance window. Selectors of
// different keys combine with AND; multiple values for the same key
// combine with OR. An empty scope matches nothing (spec §4.6).
type Scope []Selector

// Subject is whatever is being tested against a Scope — an AlertEvent
// or an Incident, reduced to the fields a selector can reference.
type Subject struct {
	Host        string
	Service     string
	Environment string
	Region      string
	Tags        []string
}

// MatchResult records which selectors matched and with what value, for
// the MaintenanceMatch explainability record (spec §4.6).
type MatchResult struct {
	Matched         bool
	SelectorReasons []SelectorReason
}

type SelectorReason struct {
	Key     SelectorKey `json:"key"`
	Value   string      `json:"value"`
	Matched bool        `json:"matched"`
	How     string      `json:"how"` // "exact" | "glob" | "regex"
}

// Match evaluates scope against subject. An empty scope never matches
// (spec §4.6 "a window without scope never suppresses").
func Match(scope Scope, subject Subject) MatchResult {
	if len(scope) == 0 {
		return MatchResult{Matched: false}
	}

	result := MatchResult{Matched: true}
	for _, sel := range scope {
		matched, reasons := matchSelector(sel, subject)
		result.SelectorReasons = append(result.SelectorReasons, reasons...)
		if !matched {
			result.Matched = false
		}
	}
	return result
}

func matchSelector(sel Selector, subject Subject) (bool, []SelectorReason) {
	switch sel.Key {
	case SelectorHost:
		return matchGlobOrRegex(sel, subject.Host)
	case SelectorService:
		return matchGlobOrRegex(sel, subject.Service)
	case SelectorEnv:
		return matchExactAny(sel, subject.Environment)
	case SelectorRegion:
		return matchExactAny(sel, subject.Region)
	case SelectorTag:
		return matchTagAny(sel, subject.Tags)
	default:
		return false, nil
	}
}

func matchGlobOrRegex(sel Selector, value string) (bool, []SelectorReason) {
	if sel.Regex != "" {
		re, err := regexp.Compile(sel.Regex)
		matched := err == nil && re.MatchString(value)
		return matched, []SelectorReason{{Key: sel.Key, Value: sel.Regex, Matched: matched, How: "regex"}}
	}
	var reasons []SelectorReason
	anyMatch := false
	for _, v := range sel.Values {
		ok, _ := filepath.Match(v, value)
		reasons = append(reasons, SelectorReason{Key: sel.Key, Value: v, Matched: ok, How: "glob"})
		if ok {
			anyMatch = true
		}
	}
	return anyMatch, reasons
}

func matchExactAny(sel Selector, value string) (bool, []SelectorReason) {
	var reasons []SelectorReason
	anyMatch := false
	for _, v := range sel.Values {
		ok := strings.EqualFold(v, value)
		reasons = append(reasons, SelectorReason{Key: sel.Key, Value: v, Matched: ok, How: "exact"})
		if ok {
			anyMatch = true
		}
	}
	return anyMatch, reasons
}

func matchTagAny(sel Selector, tags []string) (bool, []SelectorReason) {
	var reasons []SelectorReason
	anyMatch := false
	for _, v := range sel.Values {
		ok := false
		for _, t := range tags {
			if strings.EqualFold(t, v) {
				ok = true
				break
			}
		}
		reasons = append(reasons, SelectorReason{Key: sel.Key, Value: v, Matched: ok, How: "exact"})
		if ok {
			anyMatch = true
		}
	}
	return anyMatch, reasons
}
