package chatsync

import (
	"context"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/connection"
	"chat-sync/internal/models"
)

func (c *Client) handleEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventConnected:
		c.onConnected()
	case connection.EventDisconnected:
		if c.typing.Typing() || len(c.typing.Typists()) > 0 {
			_ = c.typing.Reset(c.stream.Active())
			c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: c.stream.Active()})
		}
		c.notify(Notification{Kind: NotifyDisconnected, Reason: ev.Reason})
	case connection.EventTransportError:
		c.notify(Notification{Kind: NotifyTransportError, Reason: ev.Reason, Err: ev.Err})
	case connection.EventFrame:
		c.dispatch(ev.Frame)
	}
}

// onConnected re-joins the active conversation and fetches what was pushed
// while the channel was down.
func (c *Client) onConnected() {
	c.notify(Notification{Kind: NotifyConnected})
	active := c.stream.Active()
	if active != "" {
		c.sendBestEffort(models.IntentJoinChat, models.ConversationRefPayload{ConversationID: active})
		if req, ok := c.stream.CatchUpRequest(); ok {
			c.background(func(ctx context.Context) {
				page, err := c.stream.FetchPage(ctx, req)
				if err != nil {
					log.Warn().Err(err).Str("component", "chatsync").Str("conversation_id", req.ConversationID).Msg("catch-up fetch failed")
					return
				}
				_ = c.do(ctx, func() {
					if c.stream.ApplyCatchUp(req, page) {
						c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: req.ConversationID})
					}
				})
			})
		}
	}
	c.refreshInBackground()
}

// refreshInBackground re-fetches the directory without blocking the actor.
// Used when a push names a conversation the directory does not hold.
func (c *Client) refreshInBackground() {
	if c.refreshing || c.viewer.ID == "" {
		return
	}
	c.refreshing = true
	viewer := c.viewer.ID
	c.background(func(ctx context.Context) {
		fetched, err := c.dir.Fetch(ctx, "")
		_ = c.do(ctx, func() {
			c.refreshing = false
			if err != nil {
				log.Warn().Err(err).Str("component", "chatsync").Msg("directory refresh failed")
				return
			}
			if c.viewer.ID != viewer {
				return
			}
			c.dir.Reconcile("", fetched)
			c.notify(Notification{Kind: NotifyDirectoryChanged})
		})
	})
}

func (c *Client) dispatch(env models.Envelope) {
	var err error
	switch env.Type {
	case models.EventNewMessage:
		err = c.onNewMessage(env)
	case models.EventUnreadCountUpdate:
		var p models.UnreadCountPayload
		if err = env.Decode(&p); err == nil {
			if c.dir.ApplyUnreadCount(p.ConversationID, p.UnreadCount) {
				c.notify(Notification{Kind: NotifyDirectoryChanged, ConversationID: p.ConversationID})
			} else {
				c.refreshInBackground()
			}
		}
	case models.EventUserTyping:
		var p models.TypingPayload
		if err = env.Decode(&p); err == nil && c.typing.HandleTyping(p, c.now()) {
			c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: p.ConversationID})
		}
	case models.EventUserStoppedTyping:
		var p models.TypingPayload
		if err = env.Decode(&p); err == nil && c.typing.HandleStopped(p) {
			c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: p.ConversationID})
		}
	case models.EventMessageEdited:
		var p models.MessageEditedPayload
		if err = env.Decode(&p); err == nil && c.mutations.HandleEdited(p) {
			c.notifyStream()
		}
	case models.EventMessageDeleted:
		var p models.MessageDeletedPayload
		if err = env.Decode(&p); err == nil && c.mutations.HandleDeleted(p) {
			c.notifyStream()
		}
	case models.EventReactionAdded:
		var p models.ReactionAddedPayload
		if err = env.Decode(&p); err == nil && c.mutations.HandleReaction(p, c.now()) {
			c.notifyStream()
		}
	case models.EventMutationRejected:
		var p models.MutationRejectedPayload
		if err = env.Decode(&p); err == nil {
			rerr := c.mutations.HandleRejected(p)
			if rerr.RolledBack {
				c.notifyStream()
			}
			c.notify(Notification{Kind: NotifyMutationRejected, ConversationID: c.stream.Active(), Reason: p.Reason, Err: rerr})
		}
	default:
		log.Debug().Str("component", "chatsync").Str("type", string(env.Type)).Msg("ignoring unknown event")
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Str("type", string(env.Type)).Msg("dropping malformed event")
	}
}

// onNewMessage routes a pushed message to the stream when it belongs to the
// active conversation, and always updates the directory summary.
func (c *Client) onNewMessage(env models.Envelope) error {
	var p models.NewMessagePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	msg := p.Message
	if msg.ConversationID == "" {
		msg.ConversationID = p.ConversationID
	}
	if c.stream.AppendPushed(msg) {
		c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: msg.ConversationID})
		if c.typing.HandleStopped(models.TypingPayload{UserID: msg.Sender.ID, ConversationID: msg.ConversationID}) {
			c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: msg.ConversationID})
		}
	}
	if c.dir.ApplyIncomingMessage(msg.ConversationID, msg) {
		c.notify(Notification{Kind: NotifyDirectoryChanged, ConversationID: msg.ConversationID})
	} else {
		c.refreshInBackground()
	}
	return nil
}

func (c *Client) notifyStream() {
	c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: c.stream.Active()})
}
