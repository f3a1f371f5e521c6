package logging

import (
	"regexp"
	"strings"
)

// Sanitizer redacts provider credentials from log output. Workers receive
// credentials through their environment, so anything that echoes env or
// worker output passes through here.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

var credentialPatterns = []string{
	`sk-ant-[a-zA-Z0-9-]{40,}`,     // Anthropic
	`sk-[A-Za-z0-9_-]{20,}`,        // OpenAI
	`AIza[a-zA-Z0-9_-]{35}`,        // Google AI
	`gh[pousr]_[A-Za-z0-9]{36}`,    // GitHub tokens
	`github_pat_[A-Za-z0-9_]{22,}`, // GitHub fine-grained
	`glpat-[A-Za-z0-9_-]{20}`,      // GitLab PAT
	`AKIA[0-9A-Z]{16}`,             // AWS access key
	`xox[baprs]-[0-9a-zA-Z-]{10,}`, // Slack
	`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
	`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)password["'\s:=]+[^\s"']{8,}`,
	`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
}

func defaultPatterns() []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(credentialPatterns))
	for _, p := range credentialPatterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	for _, pattern := range s.patterns {
		input = pattern.ReplaceAllString(input, s.redacted)
	}
	return input
}

// SanitizeEnv returns a copy of env with the values of credential-looking
// variables replaced.
func (s *Sanitizer) SanitizeEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			out[i] = kv
			continue
		}
		if looksSecret(name) && value != "" {
			out[i] = name + "=" + s.redacted
			continue
		}
		out[i] = name + "=" + s.Sanitize(value)
	}
	return out
}

func looksSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}

// SetRedactedPlaceholder sets the placeholder text for redacted content.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.redacted = placeholder
}
