package models

import "time"

// ContentType tags the variant carried by a message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentGIF   ContentType = "gif"
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

// Content is either text or a reference to an image/GIF.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Summary renders content for conversation list previews.
func (c Content) Summary() string {
	switch c.Type {
	case ContentImage:
		return "[image]"
	case ContentGIF:
		return "[gif]"
	default:
		return c.Text
	}
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	User      UserRef   `json:"user"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single entry of a conversation.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Content        Content    `json:"content"`
	Sender         UserRef    `json:"sender"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	ReplyTo        string     `json:"replyTo,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
}

// Before orders messages by creation time with id as tiebreak.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Tombstone soft-deletes the message in place, keeping id and position.
func (m *Message) Tombstone() {
	m.Deleted = true
	m.Content = Content{Type: ContentText, Text: DeletedPlaceholder}
	m.Reactions = nil
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return out
}

// HasReaction reports whether userID currently reacts with emoji.
func (m Message) HasReaction(userID, emoji string) bool {
	return reactionIndex(m.Reactions, userID, emoji) >= 0
}

// ToggleReaction adds r unless the same (user, emoji) pair is present, in
// which case that entry is removed. The input slice is not modified.
func ToggleReaction(reactions []Reaction, r Reaction) []Reaction {
	if i := reactionIndex(reactions, r.User.ID, r.Emoji); i >= 0 {
		out := make([]Reaction, 0, len(reactions)-1)
		out = append(out, reactions[:i]...)
		return append(out, reactions[i+1:]...)
	}
	out := make([]Reaction, 0, len(reactions)+1)
	out = append(out, reactions...)
	return append(out, r)
}

// DedupeReactions keeps the first reaction for every (user, emoji) pair.
func DedupeReactions(reactions []Reaction) []Reaction {
	if len(reactions) == 0 {
		return nil
	}
	seen := make(map[[2]string]struct{}, len(reactions))
	out := make([]Reaction, 0, len(reactions))
	for _, r := range reactions {
		key := [2]string{r.User.ID, r.Emoji}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func reactionIndex(reactions []Reaction, userID, emoji string) int {
	for i, r := range reactions {
		if r.User.ID == userID && r.Emoji == emoji {
			return i
		}
	}
	return -1
}

// MessagePage is one page of history, newest page first.
type MessagePage struct {
	Messages  []Message `json:"messages"`
	NextToken string    `json:"nextToken,omitempty"`
	HasMore   bool      `json:"hasMore"`
}
