// Package pattern implements glob matching for tool names.
//
// Patterns support a single wildcard rune '*' that matches any run of
// characters, including the empty run. A pattern without '*' is an exact
// match. Literal '*' inside tool names is not supported. Matching is the
// basis of mandate allow/deny lists and MUST stay fail-closed: a tool that
// is neither explicitly allowed nor denied is denied.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// matcher caches compiled patterns. Admission evaluates the same small set
// of mandate patterns on every call, so compilation happens once.
type matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

var defaultMatcher = &matcher{compiled: make(map[string]*regexp.Regexp)}

// compile translates a glob pattern into an anchored regexp: every regex
// metacharacter is escaped first, then the escaped wildcard '\*' becomes
// '.*'. The result always compiles.
func compile(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(escaped, `\*`, ".*") + "$"
	return regexp.MustCompile(expr)
}

func (m *matcher) match(s, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return s == pattern
	}

	m.mu.RLock()
	re, ok := m.compiled[pattern]
	m.mu.RUnlock()
	if !ok {
		re = compile(pattern)
		m.mu.Lock()
		m.compiled[pattern] = re
		m.mu.Unlock()
	}
	return re.MatchString(s)
}

// Match reports whether s matches the glob pattern.
func Match(s, pattern string) bool {
	return defaultMatcher.match(s, pattern)
}

// MatchAny reports whether s matches any of the given patterns.
func MatchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if Match(s, p) {
			return true
		}
	}
	return false
}

// IsToolAllowed decides whether a tool may run under the given allow and
// deny lists. Deny wins over allow; an empty allow list permits everything
// not denied; otherwise the tool must match the allow list (fail-closed).
func IsToolAllowed(tool string, allowed, denied []string) bool {
	if MatchAny(tool, denied) {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	return MatchAny(tool, allowed)
}
