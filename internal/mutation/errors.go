package mutation

import (
	"errors"
	"fmt"

	"chat-sync/internal/models"
)

var (
	ErrMessageNotLoaded = errors.New("message is not loaded")
	ErrNotAuthor        = errors.New("only the author can change this message")
	ErrMessageDeleted   = errors.New("message was deleted")
	ErrEmptyEmoji       = errors.New("emoji is empty")
)

// RejectedError is surfaced when the server declines an edit, delete or
// reaction. RolledBack reports whether an optimistic reaction was undone.
type RejectedError struct {
	Action     models.EventKind
	MessageID  string
	Reason     string
	RolledBack bool
}

func (e *RejectedError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("%s on %s rejected: %s", e.Action, e.MessageID, e.Reason)
}
