package parse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/db"
)

// Candidate is whatever extraction was attempted before quarantine —
// the raw LLM response, a failed cache application, or nothing at all
// — kept verbatim for reviewer context (spec §3 QuarantineEvent).
type Candidate struct {
	Source string `json:"source"` // cache | llm | none
	Raw    any    `json:"raw,omitempty"`
}

// Quarantine writes a QuarantineEvent and marks the originating
// RawEmail quarantined. No AlertEvent is produced for this message
// (spec §4.2 step 5).
func Quarantine(ctx context.Context, q db.Querier, id, rawEmailID string, candidate Candidate, confidence float64, reason string, at time.Time) error {
	b, err := json.Marshal(candidate)
	if err != nil {
		return apperr.Invariantf("parse.Quarantine", "marshal candidate: %v", err)
	}
	if _, err := q.InsertQuarantineEvent(ctx, db.InsertQuarantineEventParams{
		ID: id, RawEmailID: rawEmailID, CandidateExtraction: b, Confidence: confidence, Reason: reason, CreatedAt: at,
	}); err != nil {
		return err
	}
	return q.UpdateRawEmailParseStatus(ctx, rawEmailID, "quarantined", &reason)
}
