package parse

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/fingerprint"
)

// applyCachedRule compiles r.Regex, applies it to body, and returns the
// requested capture group (mapped through r.Map when present).
func applyCachedRule(r cachedRule, body string) (string, error) {
	re, err := regexp.Compile(r.Regex)
	if err != nil {
		return "", err
	}
	m := re.FindStringSubmatch(body)
	group := r.Group
	if group <= 0 {
		group = 1
	}
	if len(m) <= group {
		return "", apperr.Dataf("parse.applyCachedRule", "group %d not present", group)
	}
	value := strings.TrimSpace(m[group])
	if r.Map != nil {
		if mapped, ok := r.Map[strings.ToLower(value)]; ok {
			return mapped, nil
		}
	}
	return value, nil
}

// cachedRule is one entry of a PatternCache row's ExtractionRules JSON:
// a field name, the regex to extract it with, which capture group to
// take, and an optional raw-token -> enum map (mirrors the LLM's
// proposed_extraction_rules shape so learned rules and LLM rules share
// one representation, spec §4.2 step 4).
type cachedRule struct {
	Field string            `json:"field"`
	Regex string            `json:"regex"`
	Group int               `json:"group"`
	Map   map[string]string `json:"map,omitempty"`
}

// LookupCache looks up signatureHash in PatternCache and, if found with
// success_rate at or above minSuccessRate, compiles and applies its
// extraction rules against body (spec §4.2 step 3).
func LookupCache(ctx context.Context, q db.Querier, signatureHash string, minSuccessRate float64, body string) (Extraction, bool, error) {
	row, found, err := q.GetPatternCacheBySignature(ctx, signatureHash)
	if err != nil {
		return Extraction{}, false, apperr.Transientf("parse.LookupCache", "lookup: %v", err)
	}
	if !found || row.SuccessRate < minSuccessRate {
		return Extraction{}, false, nil
	}

	var rules []cachedRule
	if err := json.Unmarshal(row.ExtractionRules, &rules); err != nil {
		return Extraction{}, false, apperr.Dataf("parse.LookupCache", "decode cached rules: %v", err)
	}

	ext := Extraction{}
	for _, r := range rules {
		value, err := applyCachedRule(r, body)
		if err != nil {
			continue
		}
		switch r.Field {
		case "source_tool":
			ext.SourceTool = value
		case "environment":
			ext.Environment = value
		case "region":
			ext.Region = value
		case "host":
			ext.Host = value
		case "service":
			ext.Service = value
		case "severity":
			ext.Severity = value
		case "state":
			ext.State = value
		}
	}
	return ext, true, nil
}

// RecordOutcome applies the 0.95/0.05 exponentially weighted average
// to success_rate after a cache-driven extraction is confirmed correct
// or wrong (spec §4.2 supplemented with a concrete EWMA formula; see
// db.RecordPatternCacheOutcome for the SQL).
func RecordOutcome(ctx context.Context, q db.Querier, signatureHash string, success bool) error {
	return q.RecordPatternCacheOutcome(ctx, signatureHash, success)
}

// LearnFromLLM inserts a new PatternCache row keyed by signatureHash
// after a validated, sufficiently confident LLM extraction (spec §4.2
// step 4: match_count=1, success_rate=100, is_approved=false).
func LearnFromLLM(ctx context.Context, q db.Querier, sig fingerprint.Signature, signatureHash string, rawEmailID *string, rules []cachedRule) error {
	b, err := json.Marshal(rules)
	if err != nil {
		return apperr.Invariantf("parse.LearnFromLLM", "marshal rules: %v", err)
	}
	_, err = q.InsertPatternCache(ctx, db.InsertPatternCacheParams{
		SignatureHash:      signatureHash,
		FromDomain:         sig.FromDomain,
		SubjectPrefix:      sig.SubjectPrefix,
		BodyMarkers:        sig.BodyMarkers,
		SourceName:         "llm",
		ExtractionRules:    b,
		CreatedFromEmailID: rawEmailID,
	})
	return err
}

func LogExtraction(ctx context.Context, q db.Querier, id, rawEmailID, signatureHash, extractionType string, confidence *float64, at time.Time) error {
	return q.InsertPatternExtractionLog(ctx, db.InsertPatternExtractionLogParams{
		ID: id, RawEmailID: rawEmailID, SignatureHash: signatureHash,
		ExtractionType: extractionType, Confidence: confidence, CreatedAt: at,
	})
}
