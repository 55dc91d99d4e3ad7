package parse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/fingerprint"
	"github.com/kapella-hub/ngs/internal/llm"
	"github.com/kapella-hub/ngs/internal/maintenance"
)

type fakeLLM struct {
	resp llm.Response
	err  error
}

func (f *fakeLLM) Extract(ctx context.Context, req llm.Request) (llm.Response, error) {
	return f.resp, f.err
}

type fakeQuerier struct {
	db.Querier
	patternCache       map[string]db.PatternCache
	alertEvents        []db.InsertAlertEventParams
	quarantines        []db.InsertQuarantineEventParams
	windows            []db.InsertMaintenanceWindowParams
	parseStatus        map[string]string
	activeWindows      []db.MaintenanceWindow
	maintenanceMatches []db.InsertMaintenanceMatchParams
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{patternCache: map[string]db.PatternCache{}, parseStatus: map[string]string{}}
}

func (f *fakeQuerier) GetPatternCacheBySignature(ctx context.Context, signatureHash string) (db.PatternCache, bool, error) {
	row, ok := f.patternCache[signatureHash]
	return row, ok, nil
}

func (f *fakeQuerier) InsertPatternCache(ctx context.Context, arg db.InsertPatternCacheParams) (db.PatternCache, error) {
	row := db.PatternCache{
		SignatureHash:   arg.SignatureHash,
		FromDomain:      arg.FromDomain,
		SubjectPrefix:   arg.SubjectPrefix,
		BodyMarkers:     arg.BodyMarkers,
		SourceName:      arg.SourceName,
		ExtractionRules: arg.ExtractionRules,
		MatchCount:      1,
		SuccessRate:     100,
	}
	f.patternCache[arg.SignatureHash] = row
	return row, nil
}

func (f *fakeQuerier) RecordPatternCacheOutcome(ctx context.Context, signatureHash string, success bool) error {
	return nil
}

func (f *fakeQuerier) InsertPatternExtractionLog(ctx context.Context, arg db.InsertPatternExtractionLogParams) error {
	return nil
}

func (f *fakeQuerier) InsertQuarantineEvent(ctx context.Context, arg db.InsertQuarantineEventParams) (db.QuarantineEvent, error) {
	f.quarantines = append(f.quarantines, arg)
	return db.QuarantineEvent{ID: arg.ID, RawEmailID: arg.RawEmailID}, nil
}

func (f *fakeQuerier) InsertAlertEvent(ctx context.Context, arg db.InsertAlertEventParams) (db.AlertEvent, error) {
	f.alertEvents = append(f.alertEvents, arg)
	return db.AlertEvent{
		ID: arg.ID, FingerprintV2: arg.FingerprintV2, Host: arg.Host, Service: arg.Service,
		Severity: arg.Severity, State: arg.State, ContentHash: arg.ContentHash,
		IsSuppressed: arg.IsSuppressed, SuppressionReason: arg.SuppressionReason,
	}, nil
}

func (f *fakeQuerier) InsertMaintenanceWindow(ctx context.Context, arg db.InsertMaintenanceWindowParams) (db.MaintenanceWindow, error) {
	f.windows = append(f.windows, arg)
	return db.MaintenanceWindow{ID: arg.ID, Title: arg.Title, StartAt: arg.StartAt, EndAt: arg.EndAt}, nil
}

func (f *fakeQuerier) UpdateRawEmailParseStatus(ctx context.Context, id string, status string, parseError *string) error {
	f.parseStatus[id] = status
	return nil
}

func (f *fakeQuerier) ListActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]db.MaintenanceWindow, error) {
	return f.activeWindows, nil
}

func (f *fakeQuerier) InsertMaintenanceMatch(ctx context.Context, arg db.InsertMaintenanceMatchParams) error {
	f.maintenanceMatches = append(f.maintenanceMatches, arg)
	return nil
}

func testRule() config.ParserRule {
	return config.ParserRule{
		Name:           "datadog",
		SubjectPattern: `^\[Datadog\]`,
		BodyPatterns: map[string]string{
			"host":     `Host:\s*(\S+)`,
			"service":  `Service:\s*(\S+)`,
			"severity": `Severity:\s*(\S+)`,
			"state":    `State:\s*(\S+)`,
		},
	}
}

func newTestParser(t *testing.T, q db.Querier, llmClient llm.Client) *Parser {
	t.Helper()
	rules, err := CompileRules([]config.ParserRule{testRule()})
	require.NoError(t, err)
	cfg := config.Default()
	cache := maintenance.NewCache(q, cfg.Maintenance.CacheTTL())
	return New(q, rules, llmClient, cfg, cache, zap.NewNop())
}

func TestProcessEmail_RuleMatchProducesAlertEvent(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{})

	email := db.RawEmail{
		ID: "raw-1", Subject: "[Datadog] alert",
		BodyText:   "Host: web-07\nService: checkout\nSeverity: critical\nState: firing\n",
		ReceivedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	assert.False(t, result.Quarantined, "expected no quarantine")
	require.NotNil(t, result.Event)
	assert.Equal(t, "web-07", result.Event.Host)
	assert.Equal(t, "checkout", result.Event.Service)
	assert.Equal(t, "critical", result.Event.Severity)
	assert.Equal(t, "firing", result.Event.State)
	assert.Equal(t, "parsed", q.parseStatus["raw-1"])
}

func TestProcessEmail_FingerprintIgnoresSeverityAndState(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{})

	firing := db.RawEmail{
		ID: "raw-1", Subject: "[Datadog] alert",
		BodyText: "Host: web-07\nService: checkout\nSeverity: critical\nState: firing\n",
	}
	resolved := db.RawEmail{
		ID: "raw-2", Subject: "[Datadog] alert",
		BodyText: "Host: web-07\nService: checkout\nSeverity: low\nState: resolved\n",
	}

	r1, err := p.ProcessEmail(context.Background(), firing)
	require.NoError(t, err)
	r2, err := p.ProcessEmail(context.Background(), resolved)
	require.NoError(t, err)
	assert.Equal(t, r1.Event.FingerprintV2, r2.Event.FingerprintV2, "expected identical fingerprints")
	assert.NotEqual(t, r1.Event.ContentHash, r2.Event.ContentHash, "expected different content hashes for different bodies")
}

func TestProcessEmail_FallsBackToLLMThenQuarantinesLowConfidence(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{resp: llm.Response{
		Host: "db-01", Service: "postgres", Severity: "high", State: "firing", Confidence: 0.2,
	}})

	email := db.RawEmail{ID: "raw-3", Subject: "unrecognized format", BodyText: "something odd happened"}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	assert.True(t, result.Quarantined, "expected quarantine for low-confidence LLM extraction")
	assert.Len(t, q.quarantines, 1)
	assert.Equal(t, "quarantined", q.parseStatus["raw-3"])
}

func TestProcessEmail_LLMFallbackAboveThresholdLearnsPattern(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{resp: llm.Response{
		Host: "db-01", Service: "postgres", Severity: "high", State: "firing", Confidence: 0.9,
		ProposedRules: []llm.ExtractionRule{{Field: "host", Regex: `Host:\s*(\S+)`}},
	}})

	email := db.RawEmail{ID: "raw-4", Subject: "unrecognized format", BodyText: "Host: db-01 is down"}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	assert.False(t, result.Quarantined, "did not expect quarantine")
	require.NotNil(t, result.Event)
	assert.Equal(t, "db-01", result.Event.Host)
	assert.Len(t, q.patternCache, 1, "expected the LLM extraction to be learned into pattern cache")
}

func TestProcessEmail_CacheHitSkipsLLM(t *testing.T) {
	q := newFakeQuerier()
	llmClient := &fakeLLM{err: context.Canceled} // would fail if ever invoked
	p := newTestParser(t, q, llmClient)

	rules := []cachedRule{{Field: "host", Regex: `Host:\s*(\S+)`, Group: 1}, {Field: "service", Regex: `Service:\s*(\S+)`, Group: 1}}
	encoded, err := json.Marshal(rules)
	require.NoError(t, err)
	email := db.RawEmail{ID: "raw-5", Subject: "unrecognized format", BodyText: "Host: cache-01\nService: redis\n"}
	_, sigHash := fingerprint.ComputeSignature(email.FromAddress, email.Subject, email.BodyText)
	q.patternCache[sigHash] = db.PatternCache{SignatureHash: sigHash, ExtractionRules: encoded, SuccessRate: 95}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.Equal(t, "cache-01", result.Event.Host)
}

func TestProcessEmail_MaintenanceSubjectPersistsWindow(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{})

	body := "Start: 2026-08-01T00:00:00Z\nEnd: 2026-08-01T02:00:00Z\nScope: host=web-*\nMode: mute\n"
	email := db.RawEmail{ID: "raw-6", Subject: "[MW] weekend patching", BodyText: body}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	assert.NotNil(t, result.MaintenanceCandidate, "expected a maintenance candidate to be detected")
	assert.Len(t, q.windows, 1)
}

func TestProcessEmail_ActiveWindowSuppressesAlertEvent(t *testing.T) {
	q := newFakeQuerier()
	p := newTestParser(t, q, &fakeLLM{})

	scope, err := json.Marshal(maintenance.Scope{{Key: maintenance.SelectorHost, Values: []string{"web-*"}}})
	require.NoError(t, err)
	q.activeWindows = []db.MaintenanceWindow{{
		ID: "window-1", Title: "weekend patching", IsActive: true,
		StartAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
		Scope:   scope, SuppressMode: "mute",
	}}

	email := db.RawEmail{
		ID: "raw-7", Subject: "[Datadog] alert",
		BodyText:   "Host: web-07\nService: checkout\nSeverity: critical\nState: firing\n",
		ReceivedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}

	result, err := p.ProcessEmail(context.Background(), email)
	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.True(t, result.Event.IsSuppressed, "expected the alert event to be suppressed")
	require.NotNil(t, result.Event.SuppressionReason)
	assert.Equal(t, "weekend patching", *result.Event.SuppressionReason)
	require.Len(t, q.maintenanceMatches, 1)
	require.NotNil(t, q.maintenanceMatches[0].EventID)
	assert.Equal(t, result.Event.ID, *q.maintenanceMatches[0].EventID)
}
