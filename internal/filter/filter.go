// Package filter decides whether an inbound message belongs to a monitored
// conversation. Matching is pure and side-effect free; the from-self check is
// the caller's responsibility and must happen before the filter is consulted.
package filter

import (
	"strings"

	"wabridge/internal/domain"
)

// Set is an immutable set of normalized chat identifiers, built once at startup.
type Set map[string]struct{}

// New builds a Set from raw identifiers (chat JIDs, and optionally display
// names or message text). Entries are trimmed and lower-cased; empty entries
// are dropped.
func New(ids []string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		if n := normalize(id); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// FromList builds a Set from a comma-separated list.
func FromList(csv string) Set {
	return New(strings.Split(csv, ","))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Empty reports whether no identifiers are configured.
func (s Set) Empty() bool { return len(s) == 0 }

// Contains reports whether the normalized form of id is in the set.
func (s Set) Contains(id string) bool {
	_, ok := s[normalize(id)]
	return ok
}

// Matches reports whether msg belongs to a monitored conversation. The chat
// JID is checked first; when jidOnly is false, the sender push name and the
// plain-text body are checked against the same set.
func (s Set) Matches(msg domain.Message, jidOnly bool) bool {
	if len(s) == 0 {
		return false
	}
	if msg.ChatJID != "" && s.Contains(msg.ChatJID) {
		return true
	}
	if jidOnly {
		return false
	}
	if msg.PushName != "" && s.Contains(msg.PushName) {
		return true
	}
	if msg.Text != "" && s.Contains(msg.Text) {
		return true
	}
	return false
}
