// Package topic implements the colon-segmented topic matcher used by the
// bus to route publishes to matching subscriptions.
package topic

import "strings"

// Match reports whether topic matches pattern.
//
// A pattern is a colon-delimited string; a bare "*" segment, in any
// position including trailing, matches exactly one topic segment. Segment
// counts must agree: "a:*" matches "a:b" but not "a:b:c". Matching is
// O(segments).
//
// spec.md's prose also describes a trailing "*" as matching "any suffix,
// including empty" — that reading conflicts with the worked boundary
// example ("a:* matches a:b but not a:b:c"), which this implementation
// follows since every concrete use in the bus (inbound:*, tg:*) only ever
// needs to match exactly one following segment (a chat id).
func Match(pattern, topicStr string) bool {
	pSegs := strings.Split(pattern, ":")
	tSegs := strings.Split(topicStr, ":")

	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return true
}

// Matcher indexes subscription patterns for fast enumeration of matches
// against an incoming topic. Below a few thousand patterns a flat scan
// is fine (per spec.md's design notes); this keeps that simple shape.
// The bus server does not use Matcher: it keeps its own subscription list
// and calls Match on each entry.
type Matcher struct {
	patterns []string
}

func NewMatcher() *Matcher {
	return &Matcher{}
}

func (m *Matcher) Add(pattern string) {
	for _, p := range m.patterns {
		if p == pattern {
			return
		}
	}
	m.patterns = append(m.patterns, pattern)
}

func (m *Matcher) Remove(pattern string) {
	for i, p := range m.patterns {
		if p == pattern {
			m.patterns = append(m.patterns[:i], m.patterns[i+1:]...)
			return
		}
	}
}

// MatchAll returns every stored pattern that matches topicStr.
func (m *Matcher) MatchAll(topicStr string) []string {
	var out []string
	for _, p := range m.patterns {
		if Match(p, topicStr) {
			out = append(out, p)
		}
	}
	return out
}
