// Package fingerprint computes the two stable identities the
// correlator and parser depend on: the severity-independent alert
// fingerprint (v2 — the only version this repository implements, see
// DESIGN.md on the v1/v2 open question) and the format signature used
// to cluster novel email shapes for LLM-cache reuse.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	digitRunRe   = regexp.MustCompile(`\d+`)
	uuidRe       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	ipv4Re       = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`)
	isoDateRe    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?`)
	epochLikeRe  = regexp.MustCompile(`\b1[5-9]\d{8}\b`) // plausible unix seconds, ~2017-2033
	hostSuffixRe = regexp.MustCompile(`-(\d+)$`)
)

// CanonicalHost lowercases host and strips a trailing dot, matching
// the parser's own host normalization (spec §4.2 "Host normalization")
// while preserving any numeric suffix after the last '-' (spec §4.3:
// "host_canonical is lowercase with any numeric suffix after the last
// '-' preserved").
func CanonicalHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	return h
}

// CanonicalCheckOrService returns the first non-empty of check, service,
// lowercased, with digit runs collapsed to "*" (spec §4.3).
func CanonicalCheckOrService(check, service string) string {
	v := check
	if strings.TrimSpace(v) == "" {
		v = service
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return digitRunRe.ReplaceAllString(v, "*")
}

// NormalizeSignaturePrefix takes the human-readable signature, keeps
// its first 80 characters, and replaces digits, UUIDs, timestamps, and
// IP-like tokens with placeholders (spec §4.3). Order matters: UUIDs
// and IPs are replaced before the generic digit-run pass so they are
// not partially eaten by it first.
func NormalizeSignaturePrefix(signature string) string {
	s := signature
	s = uuidRe.ReplaceAllString(s, "*UUID*")
	s = isoDateRe.ReplaceAllString(s, "*TIME*")
	s = epochLikeRe.ReplaceAllString(s, "*TIME*")
	s = ipv4Re.ReplaceAllString(s, "*IP*")
	s = digitRunRe.ReplaceAllString(s, "*N*")

	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// Inputs is the field tuple fingerprint.ComputeV2 consumes, in the
// exact order spec §4.3 defines: (source_tool, environment,
// host_canonical, check_or_service_canonical, normalized_signature_prefix).
type Inputs struct {
	SourceTool          string
	Environment         string
	Host                string
	Check               string
	Service              string
	NormalizedSignature string
}

// ComputeV2 derives the 32-hex-character fingerprint. Severity and
// state are never inputs — escalating severity or flipping firing to
// resolved must never change the result (spec §4.3 invariants, §8
// testable property).
func ComputeV2(in Inputs) string {
	tuple := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(in.SourceTool)),
		strings.ToLower(strings.TrimSpace(in.Environment)),
		CanonicalHost(in.Host),
		CanonicalCheckOrService(in.Check, in.Service),
		NormalizeSignaturePrefix(in.NormalizedSignature),
	}, "\x1f")

	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])[:32]
}
