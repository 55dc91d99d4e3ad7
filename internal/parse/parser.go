// Package parse turns a RawEmail into zero, one, or more AlertEvents,
// or routes it to quarantine or a maintenance-window candidate (spec
// §4.2 "Parser").
package parse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/fingerprint"
	"github.com/kapella-hub/ngs/internal/llm"
	"github.com/kapella-hub/ngs/internal/maintenance"
)

// Parser wires the rule -> cache -> LLM -> quarantine pipeline.
type Parser struct {
	q          db.Querier
	rules      []compiledRule
	llm        llm.Client
	cfg        config.Config
	maintenance *maintenance.Cache
	log        *zap.Logger
	now        func() time.Time
}

func New(q db.Querier, rules []compiledRule, llmClient llm.Client, cfg config.Config, maintenanceCache *maintenance.Cache, log *zap.Logger) *Parser {
	return &Parser{q: q, rules: rules, llm: llmClient, cfg: cfg, maintenance: maintenanceCache, log: log, now: time.Now}
}

// Result is what ProcessEmail produced, for the caller (the ingester,
// or a reprocess sweeper) to hand off to the correlator and
// maintenance engine.
type Result struct {
	Event                *db.AlertEvent
	MaintenanceCandidate *maintenance.Candidate
	MaintenanceWindow    *db.MaintenanceWindow
	Quarantined          bool
}

// ProcessEmail runs the full pipeline for one RawEmail (spec §4.2
// steps 1-6). It never returns an error for a single message's content
// being unparseable — that is quarantine, not failure; it returns an
// error only for infrastructure failures (db/LLM transport) so the
// caller can retry via the DLQ.
func (p *Parser) ProcessEmail(ctx context.Context, email db.RawEmail) (Result, error) {
	var result Result

	if cand, ok := p.detectMaintenance(email); ok {
		window, err := p.persistMaintenanceWindow(ctx, email, cand)
		if err != nil {
			return result, err
		}
		result.MaintenanceCandidate = &cand
		result.MaintenanceWindow = window
	}

	sig, sigHash := fingerprint.ComputeSignature(email.FromAddress, email.Subject, email.BodyText)

	ext, matched := Match(p.rules, email.Subject, email.FromAddress, email.BodyText)
	extractionType := "rule"

	if !matched {
		cached, found, err := LookupCache(ctx, p.q, sigHash, p.cfg.Cache.MinSuccessRate, email.BodyText)
		if err != nil {
			return result, err
		}
		if found {
			ext = cached
			extractionType = "cached"
			matched = true
		}
	}

	if !matched {
		return p.llmFallback(ctx, email, sig, sigHash, result)
	}

	return p.finish(ctx, email, sig, sigHash, ext, extractionType, nil, result)
}

func (p *Parser) llmFallback(ctx context.Context, email db.RawEmail, sig fingerprint.Signature, sigHash string, result Result) (Result, error) {
	body := email.BodyText
	if body == "" {
		body = email.BodyHTML
	}

	resp, err := p.llm.Extract(ctx, llm.Request{Subject: email.Subject, BodyText: body, FromDomain: email.FromAddress})
	if err != nil {
		return result, apperr.Transientf("parse.llmFallback", "extract: %v", err)
	}

	if err := llm.Validate(resp, body); err != nil {
		if qerr := p.quarantine(ctx, email, resp, 0, err.Error()); qerr != nil {
			return result, qerr
		}
		result.Quarantined = true
		return result, nil
	}

	if resp.Confidence < p.cfg.LLM.MinConfidence {
		if qerr := p.quarantine(ctx, email, resp, resp.Confidence, "confidence below threshold"); qerr != nil {
			return result, qerr
		}
		result.Quarantined = true
		return result, nil
	}

	ext := Extraction{Host: resp.Host, Service: resp.Service, Severity: resp.Severity, State: resp.State}

	rules := make([]cachedRule, 0, len(resp.ProposedRules))
	for _, r := range resp.ProposedRules {
		rules = append(rules, cachedRule{Field: r.Field, Regex: r.Regex, Group: 1})
	}
	if err := LearnFromLLM(ctx, p.q, sig, sigHash, &email.ID, rules); err != nil {
		p.log.Error("parse: failed to persist learned pattern", zap.String("raw_email_id", email.ID), zap.Error(err))
	}

	confidence := resp.Confidence
	return p.finish(ctx, email, sig, sigHash, ext, "llm_fallback", &confidence, result)
}

func (p *Parser) quarantine(ctx context.Context, email db.RawEmail, resp llm.Response, confidence float64, reason string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	return Quarantine(ctx, p.q, id.String(), email.ID, Candidate{Source: "llm", Raw: resp}, confidence, reason, p.now())
}

func (p *Parser) finish(ctx context.Context, email db.RawEmail, sig fingerprint.Signature, sigHash string, ext Extraction, extractionType string, confidence *float64, result Result) (Result, error) {
	norm := Normalize(ext, email.BodyText)

	fp := fingerprint.ComputeV2(fingerprint.Inputs{
		SourceTool:          norm.SourceTool,
		Environment:         norm.Environment,
		Host:                norm.Host,
		Service:             norm.Service,
		NormalizedSignature: sig.SubjectPrefix,
	})

	id, err := uuid.NewV7()
	if err != nil {
		return result, err
	}
	payload, err := json.Marshal(ext)
	if err != nil {
		payload = []byte("{}")
	}

	occurredAt := email.ReceivedAt
	if email.DateHeader != nil {
		occurredAt = *email.DateHeader
	}

	subject := maintenance.Subject{
		Host: norm.Host, Service: norm.Service, Environment: norm.Environment,
		Region: norm.Region, Tags: norm.Tags,
	}
	var decision maintenance.Decision
	if windows, err := p.maintenance.Get(ctx); err != nil {
		p.log.Error("parse: maintenance cache lookup failed", zap.Error(err))
	} else {
		decision = maintenance.Apply(windows, subject, occurredAt)
	}

	var suppressionReason *string
	if len(decision.MatchedWindows) > 0 {
		reason := decision.MatchedWindows[0].Title
		suppressionReason = &reason
	}

	event, err := p.q.InsertAlertEvent(ctx, db.InsertAlertEventParams{
		ID:                  id.String(),
		RawEmailID:          &email.ID,
		SourceTool:          norm.SourceTool,
		Environment:         norm.Environment,
		Region:              norm.Region,
		Host:                norm.Host,
		CheckName:           norm.Service,
		Service:             norm.Service,
		Severity:            norm.Severity,
		State:               norm.State,
		OccurredAt:          occurredAt,
		NormalizedSignature: sig.SubjectPrefix,
		FingerprintV2:       fp,
		ContentHash:         contentHash(email.Subject, email.BodyText, norm.Host, norm.Service),
		Payload:             payload,
		Tags:                norm.Tags,
		IsSuppressed:        decision.Suppressed,
		SuppressionReason:   suppressionReason,
		CreatedAt:           p.now(),
	})
	if err != nil {
		return result, apperr.Transientf("parse.finish", "insert alert event: %v", err)
	}

	for _, w := range decision.MatchedWindows {
		if err := maintenance.RecordMatch(ctx, p.q, w, subject, nil, &event.ID, p.now(), p.log); err != nil {
			p.log.Error("parse: record maintenance match failed", zap.String("alert_event_id", event.ID), zap.Error(err))
		}
	}

	logID, err := uuid.NewV7()
	if err == nil {
		if err := LogExtraction(ctx, p.q, logID.String(), email.ID, sigHash, extractionType, confidence, p.now()); err != nil {
			p.log.Error("parse: failed to log extraction", zap.String("raw_email_id", email.ID), zap.Error(err))
		}
	}

	if err := p.q.UpdateRawEmailParseStatus(ctx, email.ID, "parsed", nil); err != nil {
		p.log.Error("parse: failed to mark raw email parsed", zap.String("raw_email_id", email.ID), zap.Error(err))
	}

	result.Event = &event
	return result, nil
}

// persistMaintenanceWindow writes a detected maintenance candidate as
// a MaintenanceWindow row (spec §4.2 step 6, §4.6). Source is always
// "email" here; the "manual"/"graph" sources belong to operator
// endpoints and the Graph provider respectively, neither of which
// routes through this pipeline.
func (p *Parser) persistMaintenanceWindow(ctx context.Context, email db.RawEmail, cand maintenance.Candidate) (*db.MaintenanceWindow, error) {
	scope, err := json.Marshal(cand.Scope)
	if err != nil {
		return nil, apperr.Invariantf("parse.persistMaintenanceWindow", "marshal scope: %v", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	var rrule *string
	if cand.RecurrenceRule != "" {
		rrule = &cand.RecurrenceRule
	}

	window, err := p.q.InsertMaintenanceWindow(ctx, db.InsertMaintenanceWindowParams{
		ID:             id.String(),
		Source:         "email",
		Title:          cand.Title,
		Organizer:      email.FromAddress,
		StartAt:        cand.Start,
		EndAt:          cand.End,
		Timezone:       cand.Timezone,
		Scope:          scope,
		SuppressMode:   cand.SuppressMode,
		IsRecurring:    cand.IsRecurring,
		RecurrenceRule: rrule,
		CreatedAt:      p.now(),
	})
	if err != nil {
		return nil, apperr.Transientf("parse.persistMaintenanceWindow", "insert: %v", err)
	}
	return &window, nil
}

func (p *Parser) detectMaintenance(email db.RawEmail) (maintenance.Candidate, bool) {
	if email.ICSPayload != nil && *email.ICSPayload != "" {
		ev, err := maintenance.ParseICS(*email.ICSPayload)
		if err == nil {
			return maintenance.Candidate{
				Title: ev.Summary, Start: ev.Start, End: ev.End,
				SuppressMode: "mute", IsRecurring: ev.RRule != "", RecurrenceRule: ev.RRule,
			}, true
		}
	}
	if maintenance.HasMaintenancePrefix(email.Subject, p.cfg.Maintenance.SubjectPrefixes) {
		cand, err := maintenance.ParseBody(email.BodyText)
		if err == nil {
			return cand, true
		}
	}
	return maintenance.Candidate{}, false
}

func contentHash(subject, body, host, service string) string {
	sum := sha256.Sum256([]byte(subject + "\x1f" + body + "\x1f" + host + "\x1f" + service))
	return hex.EncodeToString(sum[:])
}
