package redis

import (
	"testing"

	"github.com/7a6163/faye-redis-ng/internal/logging"
)

func TestMatcher_SingleSegmentWildcard(t *testing.T) {
	m := NewMatcher(logging.Discard())

	cases := []struct {
		channel string
		pattern string
		want    bool
	}{
		{"/a/b", "/a/*", true},
		{"/a/b/c", "/a/*", false},
		{"/a", "/a/*", false},
		{"/a/b", "/a/b", true},
		{"/x/b", "/a/*", false},
	}
	for _, tc := range cases {
		if got := m.Matches(tc.channel, tc.pattern); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.channel, tc.pattern, got, tc.want)
		}
	}
}

func TestMatcher_MultiSegmentWildcard(t *testing.T) {
	m := NewMatcher(logging.Discard())

	cases := []struct {
		channel string
		pattern string
		want    bool
	}{
		{"/a/b/c", "/a/**", true},
		{"/a/b", "/a/**", true},
		{"/chat/r1/private", "/chat/**", true},
		{"/other", "/chat/**", false},
		{"/a", "/a/**", false},
	}
	for _, tc := range cases {
		if got := m.Matches(tc.channel, tc.pattern); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.channel, tc.pattern, got, tc.want)
		}
	}
}

func TestMatcher_MetacharactersAreLiteral(t *testing.T) {
	m := NewMatcher(logging.Discard())

	// A dot in a pattern is a literal dot, not a regex any-char.
	if !m.Matches("/a.b", "/a.b") {
		t.Error("literal dot pattern should match itself")
	}
	if m.Matches("/aXb", "/a.b") {
		t.Error("literal dot pattern must not behave as a regex wildcard")
	}
	if !m.Matches("/price/$10", "/price/$10") {
		t.Error("dollar sign should be literal")
	}
}

func TestMatcher_RejectsEmbeddedWildcards(t *testing.T) {
	m := NewMatcher(logging.Discard())

	// Wildcards glued to literals are not part of the grammar; such
	// patterns never match anything.
	for _, pattern := range []string{"/a*b", "/foo**bar/*", "/x/*y"} {
		if m.Matches("/a.b", pattern) {
			t.Errorf("invalid pattern %q must not match", pattern)
		}
		if m.Matches("/aXb", pattern) {
			t.Errorf("invalid pattern %q must not match", pattern)
		}
	}
}

func TestMatcher_CacheAndEvict(t *testing.T) {
	m := NewMatcher(logging.Discard())

	m.Matches("/a/b", "/a/*")
	m.Matches("/a/b", "/a/**")
	if m.Len() != 2 {
		t.Fatalf("expected 2 cached patterns, got %d", m.Len())
	}

	m.Evict("/a/*")
	if m.Len() != 1 {
		t.Fatalf("expected 1 cached pattern after evict, got %d", m.Len())
	}

	// Invalid patterns are cached too, so they are logged only once.
	m.Matches("/a/b", "/bad*pattern")
	if m.Len() != 2 {
		t.Fatalf("expected invalid pattern to be cached, got %d entries", m.Len())
	}
}

func TestIsPattern(t *testing.T) {
	if !IsPattern("/a/*") || !IsPattern("/a/**") {
		t.Error("wildcard channels should be detected as patterns")
	}
	if IsPattern("/a/b") {
		t.Error("exact channel misdetected as pattern")
	}
}
