package models

import (
	"sort"
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation. Conversations
// are archived, never hard-deleted.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusBlocked  ConversationStatus = "blocked"
)

// UserRef identifies a user by opaque id with an optional display name.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Participant is a user's membership in one conversation.
type Participant struct {
	User       UserRef    `json:"user"`
	Role       string     `json:"role,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	Active     bool       `json:"active"`
}

// LastMessage summarizes the newest message of a conversation for list views.
type LastMessage struct {
	Content   string    `json:"content"`
	Sender    UserRef   `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationSettings holds per-conversation toggles.
type ConversationSettings struct {
	AllowFileSharing     bool `json:"allowFileSharing"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
}

// Conversation is a chat thread with a fixed participant set, as seen by one user.
type Conversation struct {
	ID           string               `json:"id"`
	Participants []Participant        `json:"participants"`
	Title        string               `json:"title,omitempty"`
	EventID      string               `json:"eventId,omitempty"`
	Status       ConversationStatus   `json:"status"`
	LastMessage  *LastMessage         `json:"lastMessage,omitempty"`
	UnreadCount  int                  `json:"unreadCount"`
	Settings     ConversationSettings `json:"settings"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.User.ID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the normalized participant id set.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.User.ID)
	}
	return NormalizeParticipants(ids)
}

// LastActivity is the time used to order conversation lists.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.UpdatedAt) {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

// Clone returns a copy that shares no slices or pointers with c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			if p.LastReadAt != nil {
				t := *p.LastReadAt
				p.LastReadAt = &t
			}
			out.Participants[i] = p
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// NormalizeParticipants trims, de-duplicates and sorts participant ids so
// that every permutation of the same set yields the same slice.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConversationKey is the identity of a conversation request: the normalized
// participant set plus the optional event association.
func ConversationKey(participantIDs []string, eventID string) string {
	return strings.Join(NormalizeParticipants(participantIDs), ",") + "|" + strings.TrimSpace(eventID)
}

// CreateConversationRequest asks the backend to create or find a conversation.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	EventID        string   `json:"eventId,omitempty"`
	Title          string   `json:"title,omitempty"`
}
