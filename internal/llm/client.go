// Package llm is the parser's fallback extraction step: a bounded
// request/response contract against a language model, with validation
// strict enough that a malformed or overconfident response can never
// reach an AlertEvent unchecked (spec §4.2 step 4, §6 "Language model").
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/severity"
)

// Request is the bounded input sent to the model: subject plus a UTF-8
// safe body excerpt (default 8 KB, spec §4.2 step 4).
type Request struct {
	Subject   string
	BodyText  string
	FromDomain string
}

// ExtractionRule is one proposed regex extraction the model offers back
// for future PatternCache reuse.
type ExtractionRule struct {
	Field string `json:"field"`
	Regex string `json:"regex"`
}

// Response is the schema-validated model output (spec §4.2 step 4).
type Response struct {
	Host              string           `json:"host"`
	Service           string           `json:"service"`
	Severity          string           `json:"severity"`
	State             string           `json:"state"`
	Confidence        float64          `json:"confidence"`
	ProposedRules     []ExtractionRule `json:"proposed_extraction_rules"`
}

// Client is the model-call abstraction; HTTPClient talks to a real
// endpoint, NopClient always quarantines (used where no endpoint is
// configured, or in tests).
type Client interface {
	Extract(ctx context.Context, req Request) (Response, error)
}

// NopClient always returns a zero-confidence response, routing every
// call through quarantine rather than fabricating an extraction.
type NopClient struct{}

func (NopClient) Extract(ctx context.Context, req Request) (Response, error) {
	return Response{}, nil
}

// HTTPClient posts the prompt to a JSON-in/JSON-out completion endpoint.
// No vendor SDK is used: nothing in the retrieval pack imports one, so
// this is a small direct net/http client against a configurable
// endpoint, matching how the pack's other HTTP integrations are built.
type HTTPClient struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	HTTP     *http.Client
}

func NewHTTPClient(endpoint, model string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Model: model, Timeout: timeout, HTTP: &http.Client{Timeout: timeout}}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (c *HTTPClient) Extract(ctx context.Context, req Request) (Response, error) {
	prompt := BuildExtractionPrompt(req)
	body, err := json.Marshal(completionRequest{Model: c.Model, Prompt: prompt})
	if err != nil {
		return Response{}, apperr.Invariantf("llm.Extract", "marshal request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Transientf("llm.Extract", "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, apperr.Transientf("llm.Extract", "request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Response{}, apperr.Transientf("llm.Extract", "read response: %v", err)
	}
	if resp.StatusCode >= 500 {
		return Response{}, apperr.Transientf("llm.Extract", "endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Response{}, apperr.Dataf("llm.Extract", "endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, apperr.Dataf("llm.Extract", "decode response: %v", err)
	}
	return out, nil
}

// Validate applies the spec §4.2 step-4 acceptance checks: enum
// membership, non-empty host, a confidence in [0,1], every proposed
// regex must compile, and every compiled regex must actually match the
// original text producing the returned field value (self-consistency).
func Validate(resp Response, originalText string) error {
	if !severity.Valid(resp.Severity) {
		return apperr.Dataf("llm.Validate", "unknown severity %q", resp.Severity)
	}
	switch resp.State {
	case "firing", "resolved", "unknown":
	default:
		return apperr.Dataf("llm.Validate", "unknown state %q", resp.State)
	}
	if resp.Host == "" {
		return apperr.Dataf("llm.Validate", "host is empty")
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return apperr.Dataf("llm.Validate", "confidence %v out of [0,1]", resp.Confidence)
	}

	for _, rule := range resp.ProposedRules {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return apperr.Dataf("llm.Validate", "rule %q does not compile: %v", rule.Field, err)
		}
		m := re.FindStringSubmatch(originalText)
		if m == nil {
			return apperr.Dataf("llm.Validate", "rule %q does not match original text (self-consistency failed)", rule.Field)
		}
		got := m[0]
		if len(m) > 1 {
			got = m[1]
		}
		want := map[string]string{"host": resp.Host, "service": resp.Service, "severity": resp.Severity, "state": resp.State}[rule.Field]
		if want != "" && !strings.EqualFold(strings.TrimSpace(got), want) {
			return apperr.Dataf("llm.Validate", "rule %q extracts %q, not the returned value %q (self-consistency failed)", rule.Field, got, want)
		}
	}
	return nil
}

// BuildExtractionPrompt renders the model request into the completion
// prompt text.
func BuildExtractionPrompt(req Request) string {
	body := req.BodyText
	const maxBody = 8 * 1024
	if len(body) > maxBody {
		body = truncateUTF8(body, maxBody)
	}

	return fmt.Sprintf(`You are extracting structured alert fields from a monitoring email.

=== MESSAGE ===
From domain: %s
Subject: %s
Body (truncated to %d bytes):
%s

=== TASK ===
Extract the following fields and return ONLY a JSON object, no surrounding text:

{
  "host": "the affected host or empty string if none",
  "service": "the affected service or check name",
  "severity": "one of: info, low, medium, high, critical",
  "state": "one of: firing, resolved, unknown",
  "confidence": 0.0,
  "proposed_extraction_rules": [
    {"field": "host", "regex": "a Go regexp that matches this exact message and extracts the host value"}
  ]
}

Rules:
- Every proposed_extraction_rules regex must compile with Go's regexp
  package and must actually match the message body above.
- confidence must reflect how certain you are the extracted fields are
  correct, in [0, 1]. Be conservative: do not report confidence above
  0.6 unless the message unambiguously states these fields.
- Return raw JSON only.`, req.FromDomain, req.Subject, maxBody, body)
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 && !isUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last&0x80 == 0 || last&0xC0 == 0xC0
}
