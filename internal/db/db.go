// Package db is the generated-style Postgres access layer for NGS: one
// Querier interface, one concrete Queries implementation per query
// family, and row/Params structs mirroring the schema in
// migrations/0001_init.sql. It follows the shape sqlc would emit
// (DBTX abstraction, explicit *Params input structs, row structs named
// after the query) even though it is hand-written here.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works unchanged inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Querier against a DBTX — a pool for top-level
// calls, or a transaction handed in by a caller that needs several
// queries to commit atomically (the correlator's per-fingerprint
// state transition, the reprocess sweeper's mark-complete).
type Queries struct {
	db DBTX
}

// New wraps db (pool or tx) in a Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// NewPool opens a traced connection pool. Tracer may be nil.
func NewPool(ctx context.Context, dsn string, tracer pgx.QueryTracer) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if tracer != nil {
		cfg.ConnConfig.Tracer = tracer
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Querier is the full set of generated accessors the pipeline depends
// on. Defined as an interface so tests can substitute an in-memory
// fake without a database.
type Querier interface {
	// raw_emails / folder_cursors
	InsertRawEmail(ctx context.Context, arg InsertRawEmailParams) (RawEmail, error)
	GetRawEmailByFolderUID(ctx context.Context, folder string, uid int64) (RawEmail, bool, error)
	GetRawEmailByID(ctx context.Context, id string) (RawEmail, bool, error)
	UpdateRawEmailParseStatus(ctx context.Context, id string, status string, parseError *string) error
	ListPendingRawEmailsOlderThan(ctx context.Context, olderThan time.Time, limit int) ([]RawEmail, error)

	GetFolderCursor(ctx context.Context, folder string) (FolderCursor, bool, error)
	AdvanceFolderCursor(ctx context.Context, arg AdvanceFolderCursorParams) error
	RecordFolderCursorError(ctx context.Context, folder, errText string) error

	// idempotency_keys
	BeginIdempotency(ctx context.Context, key string, expiresAt time.Time) (IdempotencyKey, bool, error)
	CompleteIdempotency(ctx context.Context, key string, result []byte) error
	ReclaimStaleIdempotency(ctx context.Context, staleBefore time.Time) ([]string, error)
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)

	// pattern_cache / pattern_extraction_log
	GetPatternCacheBySignature(ctx context.Context, signatureHash string) (PatternCache, bool, error)
	InsertPatternCache(ctx context.Context, arg InsertPatternCacheParams) (PatternCache, error)
	RecordPatternCacheOutcome(ctx context.Context, signatureHash string, success bool) error
	InsertPatternExtractionLog(ctx context.Context, arg InsertPatternExtractionLogParams) error

	// quarantine_events
	InsertQuarantineEvent(ctx context.Context, arg InsertQuarantineEventParams) (QuarantineEvent, error)

	// alert_events / incidents / incident_events
	InsertAlertEvent(ctx context.Context, arg InsertAlertEventParams) (AlertEvent, error)
	GetAlertEventByID(ctx context.Context, id string) (AlertEvent, bool, error)
	AdvisoryLockFingerprint(ctx context.Context, fingerprint string) error
	GetLiveIncidentByFingerprint(ctx context.Context, fingerprint string) (Incident, bool, error)
	InsertIncident(ctx context.Context, arg InsertIncidentParams) (Incident, error)
	UpdateIncidentState(ctx context.Context, arg UpdateIncidentStateParams) error
	InsertIncidentEvent(ctx context.Context, arg InsertIncidentEventParams) error
	ListIncidentEventsOrdered(ctx context.Context, incidentID string) ([]IncidentEventJoined, error)
	ListIncidentsForAutoResolve(ctx context.Context, olderThan time.Time) ([]Incident, error)
	ListIncidentsForResolvingQuietPeriod(ctx context.Context, olderThan time.Time) ([]Incident, error)
	ListIncidentsInMaintenance(ctx context.Context) ([]Incident, error)
	ResolveIncident(ctx context.Context, id, reason string, resolvedAt time.Time) error

	// maintenance_windows / maintenance_matches
	InsertMaintenanceWindow(ctx context.Context, arg InsertMaintenanceWindowParams) (MaintenanceWindow, error)
	GetMaintenanceWindowBySource(ctx context.Context, source, externalEventID string) (MaintenanceWindow, bool, error)
	ListActiveMaintenanceWindows(ctx context.Context, at time.Time) ([]MaintenanceWindow, error)
	SetMaintenanceWindowActive(ctx context.Context, id string, active bool) error
	InsertMaintenanceMatch(ctx context.Context, arg InsertMaintenanceMatchParams) error

	// dead_letter_entries
	InsertDeadLetterEntry(ctx context.Context, arg InsertDeadLetterEntryParams) (DeadLetterEntry, error)
	ListDueDeadLetterEntries(ctx context.Context, now time.Time, limit int) ([]DeadLetterEntry, error)
	MarkDeadLetterRetrying(ctx context.Context, id string) error
	MarkDeadLetterResolved(ctx context.Context, id string) error
	MarkDeadLetterFailed(ctx context.Context, id string, nextRetryAt time.Time, retryCount int) error

	// config_versions
	InsertConfigVersion(ctx context.Context, payload []byte) (ConfigVersion, error)
	ActivateConfigVersion(ctx context.Context, version int64) error
	GetActiveConfigVersion(ctx context.Context) (ConfigVersion, bool, error)
}

var _ Querier = (*Queries)(nil)
