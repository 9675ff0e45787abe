package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Priority orders reactions. Lower values are dispatched first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities = 4
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ReactionKind names the visual side effect.
type ReactionKind string

const (
	ReactionToast       ReactionKind = "toast"
	ReactionInboxDot    ReactionKind = "inbox_dot"
	ReactionCelebration ReactionKind = "celebration"
	ReactionBanner      ReactionKind = "banner"
)

// ScopeKind names an eligibility predicate.
type ScopeKind string

const (
	ScopeAnywhere          ScopeKind = "anywhere"
	ScopeNotInConversation ScopeKind = "not_in_conversation"
)

// ConversationRoutePrefix is the route prefix of an open conversation.
const ConversationRoutePrefix = "/mensajes/"

// Scope says where in the UI a reaction may appear.
type Scope struct {
	Kind           ScopeKind `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Anywhere allows the reaction on any route.
func Anywhere() Scope {
	return Scope{Kind: ScopeAnywhere}
}

// NotInConversation allows the reaction anywhere except the conversation's
// own route.
func NotInConversation(id string) Scope {
	return Scope{Kind: ScopeNotInConversation, ConversationID: id}
}

// allows reports whether the scope permits a reaction on route.
func (s Scope) allows(route string) bool {
	switch s.Kind {
	case ScopeNotInConversation:
		return normalizeRoute(route) != normalizeRoute(ConversationRoutePrefix+s.ConversationID)
	default:
		return true
	}
}

// normalizeRoute puts a route in NFC form without a trailing slash.
func normalizeRoute(route string) string {
	route = norm.NFC.String(route)
	if len(route) > 1 {
		route = strings.TrimSuffix(route, "/")
	}
	return route
}

// Rule is the static reaction mapping of an intent.
type Rule struct {
	Reaction ReactionKind
	Priority Priority
	Scope    Scope
}

// Reaction is one pending visual side effect.
type Reaction struct {
	EventID     string          `json:"event_id"`
	TraceID     string          `json:"trace_id,omitempty"`
	Type        string          `json:"type"`
	Kind        ReactionKind    `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Scope       Scope           `json:"scope"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
}

// DeadLetter is a reaction that will not be retried.
type DeadLetter struct {
	Reaction Reaction  `json:"reaction"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Dead-letter reasons.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonEvicted     = "evicted"
)

// VisualIntent is what listeners receive.
type VisualIntent struct {
	Reaction Reaction
	Intent   Intent
}
