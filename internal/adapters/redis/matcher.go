package redis

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// ErrInvalidPattern marks wildcard channels the matcher refuses to compile.
var ErrInvalidPattern = errors.New("invalid channel pattern")

// IsPattern reports whether a channel name is a wildcard pattern.
func IsPattern(channel string) bool {
	return strings.Contains(channel, "*")
}

// Matcher compiles wildcard channels into anchored regular expressions and
// memoizes the result. Channel names are /-separated segments: "*" matches
// exactly one segment, "**" matches one or more segments. Every other
// character is literal, including regex metacharacters. A segment mixing
// "*" with literals (e.g. "/foo**bar") is rejected: it never matches and is
// logged once on first compile.
type Matcher struct {
	mu     sync.RWMutex
	cache  map[string]*regexp.Regexp // nil entry = known-invalid pattern
	logger *slog.Logger
}

// NewMatcher returns an empty pattern matcher.
func NewMatcher(logger *slog.Logger) *Matcher {
	return &Matcher{
		cache:  make(map[string]*regexp.Regexp),
		logger: logger,
	}
}

// Matches reports whether channel is covered by pattern. Invalid patterns
// never match.
func (m *Matcher) Matches(channel, pattern string) bool {
	m.mu.RLock()
	re, ok := m.cache[pattern]
	m.mu.RUnlock()

	if !ok {
		var err error
		re, err = compilePattern(pattern)
		if err != nil {
			m.logger.Error("failed to compile channel pattern",
				"pattern", pattern,
				"error", err,
			)
			re = nil
		}
		m.mu.Lock()
		m.cache[pattern] = re
		m.mu.Unlock()
	}

	if re == nil {
		return false
	}
	return re.MatchString(channel)
}

// Evict drops a pattern's compiled form. Callers removing a pattern from
// the shared patterns set must evict here too, so a retired pattern cannot
// keep matching through a stale cache entry.
func (m *Matcher) Evict(pattern string) {
	m.mu.Lock()
	delete(m.cache, pattern)
	m.mu.Unlock()
}

// Len returns the number of cached entries.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// compilePattern turns a wildcard channel into an anchored regexp: literal
// segments are quoted, "*" becomes one non-slash segment, "**" becomes one
// or more segments.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, "/")
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg == "*":
			parts = append(parts, "[^/]+")
		case seg == "**":
			parts = append(parts, ".*")
		case strings.Contains(seg, "*"):
			return nil, ErrInvalidPattern
		default:
			parts = append(parts, regexp.QuoteMeta(seg))
		}
	}
	return regexp.Compile("^" + strings.Join(parts, "/") + "$")
}
