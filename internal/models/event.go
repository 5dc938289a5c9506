package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventKind names a frame travelling over the push channel.
type EventKind string

// Server to client.
const (
	EventNewMessage        EventKind = "new_message"
	EventUnreadCountUpdate EventKind = "unread_count_update"
	EventUserTyping        EventKind = "user_typing"
	EventUserStoppedTyping EventKind = "user_stopped_typing"
	EventMessageEdited     EventKind = "message_edited"
	EventMessageDeleted    EventKind = "message_deleted"
	EventReactionAdded     EventKind = "reaction_added"
	EventMutationRejected  EventKind = "mutation_rejected"
)

// Client to server.
const (
	IntentJoinChat      EventKind = "join_chat"
	IntentLeaveChat     EventKind = "leave_chat"
	IntentSendMessage   EventKind = "send_message"
	IntentTypingStart   EventKind = "typing_start"
	IntentTypingStop    EventKind = "typing_stop"
	IntentEditMessage   EventKind = "edit_message"
	IntentDeleteMessage EventKind = "delete_message"
	IntentAddReaction   EventKind = "add_reaction"
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind EventKind, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "marshal %s payload", kind)
	}
	return Envelope{Type: kind, Payload: raw}, nil
}

// EncodeEnvelope builds the wire bytes for one frame.
func EncodeEnvelope(kind EventKind, payload any) ([]byte, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

type NewMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
}

type TypingPayload struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	ConversationID string `json:"conversationId"`
}

type MessageEditedPayload struct {
	MessageID  string    `json:"messageId"`
	NewContent string    `json:"newContent"`
	EditedAt   time.Time `json:"editedAt"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// ReactionAddedPayload carries the toggled reaction and, when the server
// provides it, the message's full reaction list after the change.
type ReactionAddedPayload struct {
	MessageID string     `json:"messageId"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName,omitempty"`
	Emoji     string     `json:"emoji"`
	Reactions []Reaction `json:"reactions"`
}

type MutationRejectedPayload struct {
	Action    EventKind `json:"action"`
	MessageID string    `json:"messageId,omitempty"`
	Reason    string    `json:"reason"`
}

// ConversationRefPayload is the body of join_chat, leave_chat, typing_start
// and typing_stop.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	ReplyTo        string      `json:"replyTo,omitempty"`
}

type EditMessagePayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type AddReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}
