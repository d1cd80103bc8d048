// Package redact scrubs secret-like substrings out of strings before
// they reach a trace file or an approval prompt. The pattern set is
// treated as minimal and extensible: new patterns can be registered
// with Register without touching callers.
package redact

import "regexp"

// Token replaces any matched secret material.
const Token = "[REDACTED]"

type pattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []pattern{
	{
		name: "bearer-token",
		re:   regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	},
	{
		name: "authorization-header",
		re:   regexp.MustCompile(`(?i)\bAuthorization:\s*\S+`),
	},
	{
		name: "aws-access-key",
		re:   regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
	},
	{
		name: "keyed-secret",
		re:   regexp.MustCompile(`(?i)\b(password|api_key|apikey|token|secret)\s*[=:]\s*['"]?[A-Za-z0-9+/_.=-]{8,}['"]?`),
	},
	{
		name: "userinfo-url",
		re:   regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s/@]+:[^\s/@]+@`),
	},
}

// Register adds an additional pattern, applied after the built-ins on
// every future call to String. Intended for operator-site extensions;
// not safe to call concurrently with String.
func Register(name, expr string) {
	patterns = append(patterns, pattern{name: name, re: regexp.MustCompile(expr)})
}

// String returns s with every recognized secret-like substring
// replaced by Token. Redaction is idempotent: String(String(s)) ==
// String(s), since Token itself never matches a pattern.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, Token)
	}
	return s
}

// Slice redacts each element of argv independently, returning a new
// slice (the input is never mutated).
func Slice(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = String(a)
	}
	return out
}
