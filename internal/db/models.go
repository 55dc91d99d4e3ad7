package db

import "time"

// RawEmail mirrors the raw_emails table (spec §3).
type RawEmail struct {
	ID            string
	Folder        string
	UID           int64
	MessageID     string
	Subject       string
	FromAddress   string
	ToAddresses   []string
	DateHeader    *time.Time
	Headers       map[string]string
	BodyText      string
	BodyHTML      string
	ICSPayload    *string
	Attachments   []byte // JSON array of {filename, content_type, size}
	ReceivedAt    time.Time
	ParseStatus   string // pending | parsed | failed | quarantined
	ParseError    *string
}

// InsertRawEmailParams is the upsert-on-(folder,uid) input.
type InsertRawEmailParams struct {
	ID          string
	Folder      string
	UID         int64
	MessageID   string
	Subject     string
	FromAddress string
	ToAddresses []string
	DateHeader  *time.Time
	Headers     map[string]string
	BodyText    string
	BodyHTML    string
	ICSPayload  *string
	Attachments []byte
	ReceivedAt  time.Time
}

// FolderCursor mirrors the folder_cursors table.
type FolderCursor struct {
	Folder          string
	LastUID         int64
	LastPollAt      *time.Time
	LastSuccessAt   *time.Time
	LastError       *string
	ErrorCount      int
	EmailsProcessed int64
}

// AdvanceFolderCursorParams updates a folder cursor after a successful poll.
type AdvanceFolderCursorParams struct {
	Folder          string
	LastUID         int64
	PolledAt        time.Time
	EmailsProcessed int64
}

// IdempotencyKey mirrors the idempotency_keys table.
type IdempotencyKey struct {
	Key       string
	Result    []byte
	Status    string // processing | completed
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// PatternCache mirrors the pattern_cache table.
type PatternCache struct {
	SignatureHash     string
	FromDomain        string
	SubjectPrefix     string
	BodyMarkers       []string
	SourceName        string
	ExtractionRules   []byte // JSON field -> {source, regex, group, map, keywords}
	MatchCount        int64
	SuccessRate       float64
	IsApproved        bool
	CreatedFromEmailID *string
	LastMatchedAt     *time.Time
}

// InsertPatternCacheParams creates a new learned pattern-cache row
// (spec §4.2 step 4: match_count=1, success_rate=100, is_approved=false).
type InsertPatternCacheParams struct {
	SignatureHash      string
	FromDomain         string
	SubjectPrefix      string
	BodyMarkers        []string
	SourceName         string
	ExtractionRules    []byte
	CreatedFromEmailID *string
}

// PatternExtractionLog mirrors the pattern_extraction_log table (one
// row per LLM or cache use, spec §3).
type PatternExtractionLog struct {
	ID              string
	RawEmailID      string
	SignatureHash   string
	ExtractionType  string // rule | cached | learned_new | llm_fallback
	Confidence      *float64
	CreatedAt       time.Time
}

type InsertPatternExtractionLogParams struct {
	ID             string
	RawEmailID     string
	SignatureHash  string
	ExtractionType string
	Confidence     *float64
	CreatedAt      time.Time
}

// QuarantineEvent mirrors the quarantine_events table.
type QuarantineEvent struct {
	ID                 string
	RawEmailID         string
	CandidateExtraction []byte
	Confidence         float64
	Reason             string
	ReviewOutcome      *string // approved | rejected | edited
	CreatedAt          time.Time
}

type InsertQuarantineEventParams struct {
	ID                  string
	RawEmailID          string
	CandidateExtraction []byte
	Confidence          float64
	Reason              string
	CreatedAt           time.Time
}

// AlertEvent mirrors the alert_events table.
type AlertEvent struct {
	ID                   string
	RawEmailID           *string
	SourceTool           string
	Environment          string
	Region               string
	Host                 string
	CheckName            string
	Service              string
	Severity             string
	State                string
	OccurredAt           time.Time
	NormalizedSignature  string
	FingerprintV2        string
	ContentHash          string
	Payload              []byte
	Tags                 []string
	IsSuppressed         bool
	SuppressionReason    *string
	CreatedAt            time.Time
}

type InsertAlertEventParams struct {
	ID                  string
	RawEmailID          *string
	SourceTool          string
	Environment         string
	Region              string
	Host                string
	CheckName           string
	Service             string
	Severity            string
	State               string
	OccurredAt          time.Time
	NormalizedSignature string
	FingerprintV2       string
	ContentHash         string
	Payload             []byte
	Tags                []string
	IsSuppressed        bool
	SuppressionReason   *string
	CreatedAt           time.Time
}

// Incident mirrors the incidents table.
type Incident struct {
	ID                  string
	FingerprintV2       string
	Title               string
	SourceTool          string
	Environment         string
	Region              string
	Host                string
	CheckName           string
	Service             string
	Tags                []string
	Status              string // open | acknowledged | resolving | resolved | suppressed
	SeverityCurrent     string
	SeverityMax         string
	LastState           string // firing | resolved | unknown
	FirstSeenAt         time.Time
	LastSeenAt          time.Time
	ResolvedAt          *time.Time
	ResolutionReason    *string
	EventCount          int64
	FlapCount           int64
	LastStateChangeAt   time.Time
	LastFiringAt        *time.Time
	IsInMaintenance     bool
	MaintenanceWindowID *string
	IsFlapping          bool
	AIEnrichment        []byte // opaque, never read by the core
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type InsertIncidentParams struct {
	ID                string
	FingerprintV2     string
	Title             string
	SourceTool        string
	Environment       string
	Region            string
	Host              string
	CheckName         string
	Service           string
	Tags              []string
	Status            string
	SeverityCurrent   string
	SeverityMax       string
	LastState         string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	LastStateChangeAt time.Time
	LastFiringAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UpdateIncidentStateParams rewrites the mutable fields of an incident
// after the correlator recomputes state from the full linked history.
type UpdateIncidentStateParams struct {
	ID                  string
	Title               string
	Tags                []string
	Status              string
	SeverityCurrent     string
	SeverityMax         string
	LastState           string
	LastSeenAt          time.Time
	FirstSeenAt         time.Time
	ResolvedAt          *time.Time
	ResolutionReason    *string
	EventCount          int64
	FlapCount           int64
	LastStateChangeAt   time.Time
	LastFiringAt        *time.Time
	IsInMaintenance     bool
	MaintenanceWindowID *string
	IsFlapping          bool
	UpdatedAt           time.Time
}

// IncidentEvent mirrors the incident_events table.
type IncidentEvent struct {
	ID             string
	IncidentID     string
	AlertEventID   string
	IsDeduplicated bool
	CreatedAt      time.Time
}

type InsertIncidentEventParams struct {
	ID             string
	IncidentID     string
	AlertEventID   string
	IsDeduplicated bool
	CreatedAt      time.Time
}

// IncidentEventJoined is an incident_event row joined with its
// alert_event for history-ordered recomputation.
type IncidentEventJoined struct {
	IncidentEvent
	AlertEvent AlertEvent
}

// MaintenanceWindow mirrors the maintenance_windows table.
type MaintenanceWindow struct {
	ID              string
	Source          string // email | manual | graph
	ExternalEventID *string
	Title           string
	Organizer       string
	StartAt         time.Time
	EndAt           time.Time
	Timezone        string
	Scope           []byte // JSON selector list
	SuppressMode    string // mute | downgrade | digest
	IsActive        bool
	IsRecurring     bool
	RecurrenceRule  *string
	CreatedAt       time.Time
}

type InsertMaintenanceWindowParams struct {
	ID              string
	Source          string
	ExternalEventID *string
	Title           string
	Organizer       string
	StartAt         time.Time
	EndAt           time.Time
	Timezone        string
	Scope           []byte
	SuppressMode    string
	IsRecurring     bool
	RecurrenceRule  *string
	CreatedAt       time.Time
}

// MaintenanceMatch mirrors the maintenance_matches table.
type MaintenanceMatch struct {
	ID          string
	WindowID    string
	IncidentID  *string
	EventID     *string
	MatchReason []byte
	CreatedAt   time.Time
}

type InsertMaintenanceMatchParams struct {
	ID          string
	WindowID    string
	IncidentID  *string
	EventID     *string
	MatchReason []byte
	CreatedAt   time.Time
}

// DeadLetterEntry mirrors the dead_letter_entries table.
type DeadLetterEntry struct {
	ID          string
	EventType   string
	Payload     []byte
	ErrorText   string
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	Status      string // pending | retrying | failed | resolved
	CreatedAt   time.Time
}

type InsertDeadLetterEntryParams struct {
	ID          string
	EventType   string
	Payload     []byte
	ErrorText   string
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

// ConfigVersion mirrors the config_versions table (AMBIENT STACK).
type ConfigVersion struct {
	ID          string
	Version     int64
	Payload     []byte
	IsActive    bool
	CreatedAt   time.Time
	ActivatedAt *time.Time
}
