package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// A redactRule keeps the text matched by its "pre" and "post" groups and
// replaces the "val" group.
type redactRule struct {
	name string
	re   *regexp.Regexp
}

var redactRules = []redactRule{
	{"credential_url", regexp.MustCompile(`(?i)(?P<pre>[a-z][a-z0-9+.\-]*://[^:/@\s]*:)(?P<val>[^@\s]+)(?P<post>@)`)},
	{"bearer", regexp.MustCompile(`(?i)(?P<pre>bearer\s+)(?P<val>[A-Za-z0-9_\-./+=]{16,})`)},
	{"key_assignment", regexp.MustCompile(`(?i)(?P<pre>(?:api[_-]?key|secret[_-]?key|auth[_-]?token|access[_-]?token)\s*[:=]\s*"?)(?P<val>[A-Za-z0-9_\-./+=]{12,})`)},
	{"password_assignment", regexp.MustCompile(`(?i)(?P<pre>(?:sasl[_.-]?)?password\s*[:=]\s*"?)(?P<val>[^\s",]{4,})`)},
}

// Redact masks credentials in free text before it reaches a log line, the
// audit journal or an alert payload. Policy reasons normally carry none; the
// pass exists for error strings from brokers and caches, which echo DSNs.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		out = rule.apply(out)
	}
	return out
}

func (r redactRule) apply(s string) string {
	pre, post := r.re.SubexpIndex("pre"), r.re.SubexpIndex("post")
	return r.re.ReplaceAllStringFunc(s, func(match string) string {
		m := r.re.FindStringSubmatch(match)
		out := m[pre] + redactedPlaceholder
		if post > 0 {
			out += m[post]
		}
		return out
	})
}

var sensitiveNameParts = []string{"password", "secret", "token", "api_key", "apikey", "credential"}

// RedactEnvValue masks value when the variable name suggests a secret, and
// otherwise runs the free-text rules over it.
func RedactEnvValue(name, value string) string {
	lower := strings.ToLower(name)
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return redactedPlaceholder
		}
	}
	return Redact(value)
}
