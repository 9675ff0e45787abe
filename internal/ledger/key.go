package ledger

import "strings"

// Key namespaces.
const (
	NamespaceEvent = "event"
	NamespaceBadge = "badge"
)

// Key addresses one ledger entry. Every entry is reachable by its primary
// EventKey; secondary keys are aliases layered on the same entry.
//
// Keys render as namespace_part1_part2 and compare by their rendering.
type Key struct {
	Namespace string
	Parts     []string
}

// EventKey is the primary key of an event.
func EventKey(eventID string) Key {
	return Key{Namespace: NamespaceEvent, Parts: []string{eventID}}
}

// BadgeKey is the alias recorded when a badge award has been applied.
func BadgeKey(userID, badgeID string) Key {
	return Key{Namespace: NamespaceBadge, Parts: []string{userID, badgeID}}
}

// String renders the key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Namespace)
	for _, p := range k.Parts {
		b.WriteByte('_')
		b.WriteString(p)
	}
	return b.String()
}

// IsZero reports whether k has no namespace.
func (k Key) IsZero() bool {
	return k.Namespace == ""
}

// primaryID returns the event ID if k is a primary event key.
func (k Key) primaryID() (string, bool) {
	if k.Namespace == NamespaceEvent && len(k.Parts) == 1 {
		return k.Parts[0], true
	}
	return "", false
}
