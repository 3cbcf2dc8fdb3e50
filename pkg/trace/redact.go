package trace

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Redacted replaces secret material in trace text.
const Redacted = "[REDACTED]"

// minLiteral keeps short values (a "1", a country code) from blanking out
// unrelated text.
const minLiteral = 4

var defaultPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// key=value and key: value pairs
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|otp_secret|totp|token|api[_-]?key|cookie)(\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`), "${1}${2}" + Redacted},
	// secrets carried in query strings
	{regexp.MustCompile(`(?i)([?&](?:secret|token|password|code|key)=)[^&#\s]+`), "${1}" + Redacted},
	{regexp.MustCompile(`otpauth://\S+`), Redacted},
	// payment card numbers
	{regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), Redacted},
}

// Redactor scrubs secrets from trace text: values matching well-known
// patterns and literal values registered at runtime.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor returns a redactor with the default patterns plus extra
// patterns, whose matches are replaced whole.
func NewRedactor(extra ...*regexp.Regexp) *Redactor {
	return &Redactor{patterns: extra}
}

// Register adds literal values to redact everywhere.
func (r *Redactor) Register(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if len(v) >= minLiteral {
			r.literals = append(r.literals, v)
		}
	}
	sortLongestFirst(r.literals)
}

// Redact returns s with every secret replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	s = redactLiterals(s, r.literals)
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Redacted)
	}
	r.mu.RUnlock()

	for _, p := range defaultPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

func redactLiterals(s string, literals []string) string {
	if s == "" || len(literals) == 0 {
		return s
	}
	for _, v := range literals {
		if len(v) < minLiteral {
			continue
		}
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

func sortLongestFirst(values []string) {
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
}
