package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned for content that is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoActiveConversation is returned when no conversation is open.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrUnsupportedContent is returned for media of an unknown type.
	ErrUnsupportedContent = errors.New("unsupported content type")
)

// StreamFetchError reports a failed page fetch. Held messages are kept.
type StreamFetchError struct {
	ConversationID string
	Message        string
	Err            error
}

func (e *StreamFetchError) Error() string {
	return fmt.Sprintf("fetch messages for %s: %s", e.ConversationID, e.Message)
}

func (e *StreamFetchError) Unwrap() error {
	return e.Err
}
