package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/config"
)

// Extraction is the common result shape of rule, cache, and LLM
// extraction paths, ready for normalization into an AlertEvent.
// SourceTool, Environment, Region are fingerprint-v2 inputs (spec
// §4.3); a rule that omits a body pattern for one of them falls back
// to the rule's own Name as source_tool, and leaves environment/region
// empty.
type Extraction struct {
	SourceTool  string
	Environment string
	Region      string
	Host        string
	Service     string
	Severity    string // raw, pre-normalization token
	State       string // raw, pre-normalization token
	StaticTags  []string
}

// compiledRule is a ParserRule with its body patterns pre-compiled.
type compiledRule struct {
	config.ParserRule
	subjectRe regexp.Regexp
	bodyRe    map[string]*regexp.Regexp
}

// CompileRules compiles every configured ParserRule once at startup;
// a rule whose patterns fail to compile is a configuration error, not
// a per-message failure (spec §7 category 3).
func CompileRules(rules []config.ParserRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		subjectRe, err := regexp.Compile(r.SubjectPattern)
		if err != nil {
			return nil, apperr.New(apperr.Configuration, "parse.CompileRules", fmt.Errorf("rule %q subject_pattern: %v", r.Name, err))
		}
		bodyRe := make(map[string]*regexp.Regexp, len(r.BodyPatterns))
		for field, pattern := range r.BodyPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, apperr.New(apperr.Configuration, "parse.CompileRules", fmt.Errorf("rule %q field %q: %v", r.Name, field, err))
			}
			bodyRe[field] = re
		}
		out = append(out, compiledRule{ParserRule: r, subjectRe: *subjectRe, bodyRe: bodyRe})
	}
	return out, nil
}

// Match finds the first compiled rule whose subject pattern matches
// subject and whose from-domain filter (if any) matches fromDomain,
// and applies its body-pattern extractions against body (spec §4.2
// step 2 "Rule lookup").
func Match(rules []compiledRule, subject, fromDomain, body string) (Extraction, bool) {
	for _, r := range rules {
		if !r.subjectRe.MatchString(subject) {
			continue
		}
		if r.FromDomain != "" && !strings.EqualFold(r.FromDomain, fromDomain) {
			continue
		}
		ext := Extraction{StaticTags: r.StaticTags, SourceTool: r.Name}
		if re, ok := r.bodyRe["source_tool"]; ok {
			ext.SourceTool = firstGroup(re, body)
		}
		if re, ok := r.bodyRe["environment"]; ok {
			ext.Environment = firstGroup(re, body)
		}
		if re, ok := r.bodyRe["region"]; ok {
			ext.Region = firstGroup(re, body)
		}
		if re, ok := r.bodyRe["host"]; ok {
			ext.Host = firstGroup(re, body)
		}
		if re, ok := r.bodyRe["service"]; ok {
			ext.Service = firstGroup(re, body)
		}
		if re, ok := r.bodyRe["severity"]; ok {
			ext.Severity = mapToken(r.SeverityMap, firstGroup(re, body))
		}
		if re, ok := r.bodyRe["state"]; ok {
			ext.State = mapToken(r.StateMap, firstGroup(re, body))
		}
		return ext, true
	}
	return Extraction{}, false
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func mapToken(table map[string]string, token string) string {
	if table == nil {
		return token
	}
	if v, ok := table[strings.ToLower(token)]; ok {
		return v
	}
	return token
}
