package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

func (q *Queries) GetPatternCacheBySignature(ctx context.Context, signatureHash string) (PatternCache, bool, error) {
	var p PatternCache
	err := q.db.QueryRow(ctx, `
		SELECT signature_hash, from_domain, subject_prefix, body_markers, source_name,
			extraction_rules, match_count, success_rate, is_approved, created_from_email_id, last_matched_at
		FROM pattern_cache WHERE signature_hash = $1
	`, signatureHash).Scan(&p.SignatureHash, &p.FromDomain, &p.SubjectPrefix, &p.BodyMarkers,
		&p.SourceName, &p.ExtractionRules, &p.MatchCount, &p.SuccessRate, &p.IsApproved,
		&p.CreatedFromEmailID, &p.LastMatchedAt)
	if err == pgx.ErrNoRows {
		return PatternCache{}, false, nil
	}
	if err != nil {
		return PatternCache{}, false, err
	}
	return p, true, nil
}

// InsertPatternCache creates a learned rule set under signature_hash
// with match_count=1, success_rate=100, is_approved=false (spec §4.2
// step 4).
func (q *Queries) InsertPatternCache(ctx context.Context, arg InsertPatternCacheParams) (PatternCache, error) {
	var p PatternCache
	err := q.db.QueryRow(ctx, `
		INSERT INTO pattern_cache (
			signature_hash, from_domain, subject_prefix, body_markers, source_name,
			extraction_rules, match_count, success_rate, is_approved, created_from_email_id, last_matched_at
		) VALUES ($1,$2,$3,$4,$5,$6,1,100,false,$7,now())
		ON CONFLICT (signature_hash) DO UPDATE SET extraction_rules = pattern_cache.extraction_rules
		RETURNING signature_hash, from_domain, subject_prefix, body_markers, source_name,
			extraction_rules, match_count, success_rate, is_approved, created_from_email_id, last_matched_at
	`, arg.SignatureHash, arg.FromDomain, arg.SubjectPrefix, arg.BodyMarkers, arg.SourceName,
		arg.ExtractionRules, arg.CreatedFromEmailID).
		Scan(&p.SignatureHash, &p.FromDomain, &p.SubjectPrefix, &p.BodyMarkers, &p.SourceName,
			&p.ExtractionRules, &p.MatchCount, &p.SuccessRate, &p.IsApproved, &p.CreatedFromEmailID, &p.LastMatchedAt)
	return p, err
}

// RecordPatternCacheOutcome updates match_count/success_rate after a
// cache application: success_rate follows an exponentially weighted
// average with weight 0.05 per sample (spec §4.2 "pattern-cache
// statistics"), sample = 100 on success, 0 on failure.
func (q *Queries) RecordPatternCacheOutcome(ctx context.Context, signatureHash string, success bool) error {
	sample := 0.0
	if success {
		sample = 100.0
	}
	_, err := q.db.Exec(ctx, `
		UPDATE pattern_cache SET
			match_count = match_count + 1,
			success_rate = success_rate * 0.95 + $2 * 0.05,
			last_matched_at = $3
		WHERE signature_hash = $1
	`, signatureHash, sample, time.Now().UTC())
	return err
}

func (q *Queries) InsertPatternExtractionLog(ctx context.Context, arg InsertPatternExtractionLogParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO pattern_extraction_log (id, raw_email_id, signature_hash, extraction_type, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, arg.ID, arg.RawEmailID, arg.SignatureHash, arg.ExtractionType, arg.Confidence, arg.CreatedAt)
	return err
}
