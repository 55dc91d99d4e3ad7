package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// BodyMarkerVocabulary is the fixed set of tokens format-signature
// extraction looks for in a message body (spec §4.4).
var BodyMarkerVocabulary = []string{
	"severity", "host:", "critical", "resolved", "check", "service",
	"warning", "recovery", "environment", "region",
}

// ExtractBodyMarkers returns the subset of BodyMarkerVocabulary present
// in body (case-insensitive), sorted for a deterministic signature.
func ExtractBodyMarkers(body string) []string {
	lower := strings.ToLower(body)
	var found []string
	for _, marker := range BodyMarkerVocabulary {
		if strings.Contains(lower, marker) {
			found = append(found, marker)
		}
	}
	sort.Strings(found)
	return found
}

// NormalizeSubjectPrefix replaces digit runs with "*N*" and ISO-like
// date tokens with "*DATE*" in the subject (spec §4.4).
func NormalizeSubjectPrefix(subject string) string {
	s := isoDateRe.ReplaceAllString(subject, "*DATE*")
	s = digitRunRe.ReplaceAllString(s, "*N*")
	return strings.TrimSpace(s)
}

// Signature is the distinct-from-fingerprint identity that clusters
// novel email *shapes* so the LLM is consulted at most once per format
// (spec §4.4). The tuple is (from_domain, subject_prefix_normalized,
// sorted_body_markers); its SHA-256 is the signature hash.
type Signature struct {
	FromDomain    string
	SubjectPrefix string
	BodyMarkers   []string
}

// ComputeSignature builds the Signature and returns its 64-hex hash.
func ComputeSignature(fromDomain, subject, body string) (Signature, string) {
	sig := Signature{
		FromDomain:    strings.ToLower(strings.TrimSpace(fromDomain)),
		SubjectPrefix: NormalizeSubjectPrefix(subject),
		BodyMarkers:   ExtractBodyMarkers(body),
	}

	tuple := sig.FromDomain + "\x1f" + sig.SubjectPrefix + "\x1f" + strings.Join(sig.BodyMarkers, ",")
	sum := sha256.Sum256([]byte(tuple))
	return sig, hex.EncodeToString(sum[:])
}
