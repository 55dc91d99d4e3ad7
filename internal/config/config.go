package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
)

// ParserRule is one statically configured regex-based extraction rule,
// keyed by subject pattern and from-domain filter (spec §4.2 step 2).
type ParserRule struct {
	Name             string            `json:"name"`
	SubjectPattern   string            `json:"subject_pattern"`
	FromDomain       string            `json:"from_domain,omitempty"`
	BodyPatterns     map[string]string `json:"body_patterns"` // field -> regex with one capture group
	SeverityMap      map[string]string `json:"severity_map"`  // native token -> core enum
	StateMap         map[string]string `json:"state_map"`     // native token -> {firing,resolved,unknown}
	StaticTags       []string          `json:"static_tags,omitempty"`
}

// CorrelationConfig configures the correlator state machine (spec §4.5, §6).
type CorrelationConfig struct {
	DedupWindowMinutes        int  `json:"dedup_window_minutes"`
	FlapThreshold             int  `json:"flap_threshold"`
	FlapWindowMinutes         int  `json:"flap_window_minutes"`
	ResolveQuietPeriodSeconds int  `json:"resolve_quiet_period_seconds"`
	AutoResolveHours          int  `json:"auto_resolve_hours"`
	SingleOpenPerFingerprint  bool `json:"single_open_per_fingerprint"`
}

func (c CorrelationConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}
func (c CorrelationConfig) FlapWindow() time.Duration {
	return time.Duration(c.FlapWindowMinutes) * time.Minute
}
func (c CorrelationConfig) ResolveQuietPeriod() time.Duration {
	return time.Duration(c.ResolveQuietPeriodSeconds) * time.Second
}
func (c CorrelationConfig) AutoResolveAfter() time.Duration {
	return time.Duration(c.AutoResolveHours) * time.Hour
}

// MaintenanceConfig configures maintenance-window detection (spec §4.6).
type MaintenanceConfig struct {
	SubjectPrefixes  []string `json:"subject_prefixes"`
	BodyPatterns     []string `json:"body_patterns"`
	TickIntervalSecs int      `json:"tick_interval_seconds"`
	CacheTTLSecs     int      `json:"cache_ttl_seconds"`
}

func (m MaintenanceConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalSecs) * time.Second
}

// CacheTTL is how long a worker's active-windows snapshot stays valid
// before the next maintenance.Cache.Get reloads it (spec §5, default 30s).
func (m MaintenanceConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSecs) * time.Second
}

// LLMConfig configures the language-model fallback client (spec §4.2 step 4, §6).
type LLMConfig struct {
	Endpoint       string        `json:"endpoint"`
	Model          string        `json:"model"`
	MinConfidence  float64       `json:"min_confidence"`
	RequestTimeout time.Duration `json:"request_timeout"`
	RatePerMinute  int           `json:"rate_per_minute"`
	MaxConcurrency int           `json:"max_concurrency"`
}

// QuarantineConfig configures the quarantine threshold (spec §4.2 step 5).
type QuarantineConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// DLQConfig configures dead-letter backoff (spec §4.8).
type DLQConfig struct {
	BaseBackoff time.Duration `json:"base_backoff"`
	CapBackoff  time.Duration `json:"cap_backoff"`
	MaxRetries  int           `json:"max_retries"`
}

// CacheConfig configures pattern-cache application (spec §4.2 step 3).
type CacheConfig struct {
	MinSuccessRate float64 `json:"min_success_rate"`
}

// Config is the full configuration surface consumed at startup and on
// reload (spec §6).
type Config struct {
	Parsers     []ParserRule      `json:"parsers"`
	Correlation CorrelationConfig `json:"correlation"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	LLM         LLMConfig         `json:"llm"`
	Quarantine  QuarantineConfig  `json:"quarantine"`
	DLQ         DLQConfig         `json:"dlq"`
	Cache       CacheConfig       `json:"cache"`
}

// Default returns the configuration surface populated with every
// spec-mandated default.
func Default() Config {
	return Config{
		Correlation: CorrelationConfig{
			DedupWindowMinutes:        5,
			FlapThreshold:             5,
			FlapWindowMinutes:         30,
			ResolveQuietPeriodSeconds: 120,
			AutoResolveHours:          24,
			SingleOpenPerFingerprint:  true,
		},
		Maintenance: MaintenanceConfig{
			SubjectPrefixes:  []string{"[MW]", "Maintenance:"},
			TickIntervalSecs: 60,
			CacheTTLSecs:     30,
		},
		LLM: LLMConfig{
			MinConfidence:  0.60,
			RequestTimeout: 15 * time.Second,
			RatePerMinute:  60,
			MaxConcurrency: 4,
		},
		Quarantine: QuarantineConfig{ConfidenceThreshold: 0.60},
		DLQ: DLQConfig{
			BaseBackoff: 30 * time.Second,
			CapBackoff:  time.Hour,
			MaxRetries:  8,
		},
		Cache: CacheConfig{MinSuccessRate: 70},
	}
}

// Validate fail-fasts on configuration errors (spec §7 category 3): an
// invalid parser rule or unknown severity mapping must never activate,
// leaving whatever version is currently active in place.
func (c Config) Validate() error {
	validSeverity := map[string]bool{"critical": true, "high": true, "medium": true, "low": true, "info": true}
	validState := map[string]bool{"firing": true, "resolved": true, "unknown": true}

	for _, p := range c.Parsers {
		if p.Name == "" {
			return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("parser rule missing name"))
		}
		if p.SubjectPattern == "" && p.FromDomain == "" {
			return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("parser %q has no subject pattern or from-domain filter", p.Name))
		}
		for native, mapped := range p.SeverityMap {
			if !validSeverity[mapped] {
				return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("parser %q maps severity %q to unknown enum value %q", p.Name, native, mapped))
			}
		}
		for native, mapped := range p.StateMap {
			if !validState[mapped] {
				return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("parser %q maps state %q to unknown enum value %q", p.Name, native, mapped))
			}
		}
	}
	if c.LLM.MinConfidence < 0 || c.LLM.MinConfidence > 1 {
		return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("llm.min_confidence %f out of [0,1]", c.LLM.MinConfidence))
	}
	if c.Quarantine.ConfidenceThreshold < 0 || c.Quarantine.ConfidenceThreshold > 1 {
		return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("quarantine.confidence_threshold %f out of [0,1]", c.Quarantine.ConfidenceThreshold))
	}
	if !c.Correlation.SingleOpenPerFingerprint {
		return apperr.New(apperr.Configuration, "config.Validate", fmt.Errorf("correlation.single_open_per_fingerprint must always be true"))
	}
	return nil
}

// Marshal serializes c for storage as a ConfigVersion row.
func (c Config) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return b, nil
}

// Unmarshal populates a Config from a stored ConfigVersion payload.
func Unmarshal(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, apperr.Dataf("config.Unmarshal", "invalid config payload: %v", err)
	}
	return c, nil
}
