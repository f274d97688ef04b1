// SPDX-License-Identifier: Apache-2.0

package guard

import "regexp"

type secretPattern struct {
	kind    string
	pattern *regexp.Regexp
	mask    string
}

// Conservative, high-precision credential patterns. Order matters: more
// specific forms come before the generic assignment catch-all.
var defaultSecretPatterns = []struct {
	kind    string
	pattern string
	mask    string
}{
	{"aws_access_key", `\b(AKIA|ASIA)[0-9A-Z]{16}\b`, "[AWS_ACCESS_KEY]"},
	{"private_key", `-----BEGIN [A-Z ]*PRIVATE KEY-----`, "[PRIVATE_KEY]"},
	{"bearer_token", `(?i)\bbearer\s+[a-z0-9._~+/-]{16,}=*`, "[BEARER_TOKEN]"},
	{"github_token", `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, "[GITHUB_TOKEN]"},
	{"slack_token", `\bxox[baprs]-[A-Za-z0-9-]{10,}\b`, "[SLACK_TOKEN]"},
	{"assignment", `(?i)\b(password|passwd|secret|token|api[_-]?key|access[_-]?key)\s*[:=]\s*\S+`, "$1=[REDACTED]"},
}

// SecretRedactor masks credential material in free-form strings.
type SecretRedactor struct {
	patterns []secretPattern
}

// NewSecretRedactor creates a redactor with the default patterns.
func NewSecretRedactor() *SecretRedactor {
	r := &SecretRedactor{}
	for _, p := range defaultSecretPatterns {
		if re, err := regexp.Compile(p.pattern); err == nil {
			r.patterns = append(r.patterns, secretPattern{kind: p.kind, pattern: re, mask: p.mask})
		}
	}
	return r
}

// Redact masks all credential matches and returns the masked string with
// the number of replacements made.
func (r *SecretRedactor) Redact(s string) (string, int) {
	if s == "" {
		return s, 0
	}
	total := 0
	for _, p := range r.patterns {
		matches := p.pattern.FindAllStringIndex(s, -1)
		if len(matches) == 0 {
			continue
		}
		total += len(matches)
		s = p.pattern.ReplaceAllString(s, p.mask)
	}
	return s, total
}
