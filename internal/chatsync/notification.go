package chatsync

import "github.com/rs/zerolog/log"

// NotificationKind names a change observers may want to react to.
type NotificationKind string

const (
	NotifyConnected        NotificationKind = "connected"
	NotifyDisconnected     NotificationKind = "disconnected"
	NotifyTransportError   NotificationKind = "transport_error"
	NotifyDirectoryChanged NotificationKind = "directory_changed"
	NotifyStreamChanged    NotificationKind = "stream_changed"
	NotifyTypingChanged    NotificationKind = "typing_changed"
	NotifyMutationRejected NotificationKind = "mutation_rejected"
)

// Notification tells observers that some state changed. It carries no
// state itself; observers query the Client for the current view.
type Notification struct {
	Kind           NotificationKind
	ConversationID string
	Reason         string
	Err            error
}

// notify never blocks the actor. A slow observer loses notifications, not
// state: the next query returns the current view.
func (c *Client) notify(n Notification) {
	select {
	case c.notes <- n:
	default:
		log.Debug().Str("component", "chatsync").Str("kind", string(n.Kind)).Msg("notification dropped")
	}
}
