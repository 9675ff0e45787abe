package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types with a visual reaction.
const (
	TypeChatMessage   = "CHAT_MESSAGE"
	TypeNotification  = "NOTIFICATION"
	TypeBadgeEarned   = "BADGE_EARNED"
	TypeSystemAlert   = "SYSTEM_ALERT"
	TypeFriendRequest = "FRIEND_REQUEST"
)

// ErrUnknownType is returned by Decode for event types without a reaction.
var ErrUnknownType = errors.New("no reaction for event type")

// AppliedNotification announces that an event was applied to client state.
type AppliedNotification struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TraceID string          `json:"trace_id,omitempty"`
}

// Intent is a decoded event that wants a visual reaction.
type Intent interface {
	EventType() string
	Rule() Rule
}

// ChatMessage is a new message in a conversation.
type ChatMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Preview        string `json:"preview"`
}

func (ChatMessage) EventType() string { return TypeChatMessage }

// Rule shows a toast unless the user is already looking at the conversation.
func (m ChatMessage) Rule() Rule {
	return Rule{Reaction: ReactionToast, Priority: PriorityHigh, Scope: NotInConversation(m.ConversationID)}
}

// Notification is a generic inbox notification.
type Notification struct {
	NotificationID string `json:"notification_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

func (Notification) EventType() string { return TypeNotification }

func (Notification) Rule() Rule {
	return Rule{Reaction: ReactionInboxDot, Priority: PriorityNormal, Scope: Anywhere()}
}

// BadgeEarned is a badge award.
type BadgeEarned struct {
	UserID  string `json:"user_id"`
	BadgeID string `json:"badge_id"`
	Name    string `json:"name"`
}

func (BadgeEarned) EventType() string { return TypeBadgeEarned }

func (BadgeEarned) Rule() Rule {
	return Rule{Reaction: ReactionCelebration, Priority: PriorityNormal, Scope: Anywhere()}
}

// SystemAlert is an operator message. Always critical.
type SystemAlert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (SystemAlert) EventType() string { return TypeSystemAlert }

func (SystemAlert) Rule() Rule {
	return Rule{Reaction: ReactionBanner, Priority: PriorityCritical, Scope: Anywhere()}
}

// FriendRequest is an incoming friend request.
type FriendRequest struct {
	FromUserID string `json:"from_user_id"`
	Name       string `json:"name"`
}

func (FriendRequest) EventType() string { return TypeFriendRequest }

func (FriendRequest) Rule() Rule {
	return Rule{Reaction: ReactionToast, Priority: PriorityLow, Scope: Anywhere()}
}

// Decode turns a notification payload into its intent. Returns
// ErrUnknownType for types without a reaction.
func Decode(eventType string, payload json.RawMessage) (Intent, error) {
	switch eventType {
	case TypeChatMessage:
		return decodeAs[ChatMessage](eventType, payload)
	case TypeNotification:
		return decodeAs[Notification](eventType, payload)
	case TypeBadgeEarned:
		return decodeAs[BadgeEarned](eventType, payload)
	case TypeSystemAlert:
		return decodeAs[SystemAlert](eventType, payload)
	case TypeFriendRequest:
		return decodeAs[FriendRequest](eventType, payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}
}

func decodeAs[T Intent](eventType string, payload json.RawMessage) (Intent, error) {
	var v T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
	}
	return v, nil
}
