package db

import "context"

func (q *Queries) InsertQuarantineEvent(ctx context.Context, arg InsertQuarantineEventParams) (QuarantineEvent, error) {
	var e QuarantineEvent
	err := q.db.QueryRow(ctx, `
		INSERT INTO quarantine_events (id, raw_email_id, candidate_extraction, confidence, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, raw_email_id, candidate_extraction, confidence, reason, review_outcome, created_at
	`, arg.ID, arg.RawEmailID, arg.CandidateExtraction, arg.Confidence, arg.Reason, arg.CreatedAt).
		Scan(&e.ID, &e.RawEmailID, &e.CandidateExtraction, &e.Confidence, &e.Reason, &e.ReviewOutcome, &e.CreatedAt)
	return e, err
}
