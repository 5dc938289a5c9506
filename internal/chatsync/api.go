package chatsync

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
	"chat-sync/internal/stream"
)

// Connect binds the session to cred. Switching to another user drops every
// piece of state held for the previous one. An empty token leaves the
// channel idle.
func (c *Client) Connect(ctx context.Context, cred Credential) error {
	return c.do(ctx, func() {
		if cred.UserID != c.viewer.ID {
			c.resetViewer(models.UserRef{ID: cred.UserID, Name: cred.UserName})
		} else if cred.UserName != "" {
			c.viewer.Name = cred.UserName
			c.mutations.SetViewer(c.viewer)
		}
		c.setToken(cred.Token)
		c.ch.Connect(cred.Token)
	})
}

// Disconnect tears the channel down and forgets the token.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		c.setToken("")
		c.ch.Disconnect()
	})
}

// Refresh re-fetches the conversation list. The request runs on the
// caller's goroutine; push events keep being applied meanwhile. A result
// that arrives after the viewer changed is dropped.
func (c *Client) Refresh(ctx context.Context, eventID string) error {
	var viewer string
	if err := c.do(ctx, func() { viewer = c.viewer.ID }); err != nil {
		return err
	}
	fetched, err := c.dir.Fetch(ctx, eventID)
	if err != nil {
		return err
	}
	return c.do(ctx, func() {
		if c.viewer.ID != viewer {
			return
		}
		c.dir.Reconcile(eventID, fetched)
		c.notify(Notification{Kind: NotifyDirectoryChanged})
	})
}

// Conversations returns the held conversation list, newest activity first.
func (c *Client) Conversations(ctx context.Context, eventID string) ([]models.Conversation, error) {
	var out []models.Conversation
	err := c.do(ctx, func() { out = c.dir.List(eventID) })
	return out, err
}

// Conversation returns one held conversation.
func (c *Client) Conversation(ctx context.Context, conversationID string) (models.Conversation, bool, error) {
	var (
		conv models.Conversation
		ok   bool
	)
	err := c.do(ctx, func() { conv, ok = c.dir.Get(conversationID) })
	return conv, ok, err
}

// TotalUnread sums unread counters across held conversations.
func (c *Client) TotalUnread(ctx context.Context) (int, error) {
	var total int
	err := c.do(ctx, func() { total = c.dir.TotalUnread() })
	return total, err
}

// CreateOrFind resolves the conversation for a participant set.
func (c *Client) CreateOrFind(ctx context.Context, participantIDs []string, eventID, title string) (models.Conversation, error) {
	var viewer string
	if err := c.do(ctx, func() { viewer = c.viewer.ID }); err != nil {
		return models.Conversation{}, err
	}
	conv, err := c.dir.RequestConversation(ctx, viewer, participantIDs, eventID, title)
	if err != nil {
		return models.Conversation{}, err
	}
	err = c.do(ctx, func() {
		if c.viewer.ID != viewer {
			return
		}
		c.dir.Upsert(conv)
		c.notify(Notification{Kind: NotifyDirectoryChanged, ConversationID: conv.ID})
	})
	return conv, err
}

// Open makes conversationID the active conversation. Interest in the
// previous one is dropped on the server and locally.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	return c.do(ctx, func() { c.open(conversationID) })
}

func (c *Client) open(conversationID string) {
	prev := c.stream.Active()
	if prev == conversationID {
		return
	}
	_ = c.typing.Reset(conversationID)
	if prev != "" && c.connected() {
		c.sendBestEffort(models.IntentLeaveChat, models.ConversationRefPayload{ConversationID: prev})
	}
	c.stream.Open(conversationID)
	c.mutations.Reset()
	c.dir.SetActive(conversationID)
	if conversationID != "" && c.connected() {
		c.sendBestEffort(models.IntentJoinChat, models.ConversationRefPayload{ConversationID: conversationID})
	}
	c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: conversationID})
	c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: conversationID})
}

// ActiveConversation returns the open conversation id.
func (c *Client) ActiveConversation(ctx context.Context) (string, error) {
	var id string
	err := c.do(ctx, func() { id = c.stream.Active() })
	return id, err
}

// LoadPage fetches the next older page of the active conversation and
// reports whether more remain. A page that arrives after the active
// conversation changed is dropped.
func (c *Client) LoadPage(ctx context.Context, token string) (bool, error) {
	var (
		req  stream.PageRequest
		ok   bool
		rerr error
	)
	if err := c.do(ctx, func() { req, ok, rerr = c.stream.PageRequest(token) }); err != nil {
		return false, err
	}
	if rerr != nil || !ok {
		return false, rerr
	}

	page, ferr := c.stream.FetchPage(ctx, req)

	var more bool
	err := c.do(ctx, func() {
		if ferr == nil && c.stream.ApplyPage(req, page) {
			c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: req.ConversationID})
		}
		more = c.stream.HasMore()
	})
	if ferr != nil {
		return more, ferr
	}
	return more, err
}

// Messages returns the held history of the active conversation.
func (c *Client) Messages(ctx context.Context) ([]models.Message, error) {
	var out []models.Message
	err := c.do(ctx, func() { out = c.stream.Messages() })
	return out, err
}

// SendMessage sends text to the active conversation. The message appears
// once the server echoes it.
func (c *Client) SendMessage(ctx context.Context, content, replyTo string) error {
	var serr error
	if err := c.do(ctx, func() {
		serr = c.stream.SendMessage(content, replyTo)
		if serr == nil {
			_ = c.typing.StopTyping()
		}
	}); err != nil {
		return err
	}
	return serr
}

// SendMedia sends an image or GIF reference to the active conversation.
func (c *Client) SendMedia(ctx context.Context, kind models.ContentType, url, replyTo string) error {
	var serr error
	if err := c.do(ctx, func() { serr = c.stream.SendMedia(kind, url, replyTo) }); err != nil {
		return err
	}
	return serr
}

// StartTyping signals local keystrokes in the active conversation.
func (c *Client) StartTyping(ctx context.Context) error {
	var serr error
	if err := c.do(ctx, func() { _, serr = c.typing.StartTyping(c.now()) }); err != nil {
		return err
	}
	return serr
}

// StopTyping ends the local typing signal.
func (c *Client) StopTyping(ctx context.Context) error {
	var serr error
	if err := c.do(ctx, func() { serr = c.typing.StopTyping() }); err != nil {
		return err
	}
	return serr
}

// Typing returns the remote users composing in the active conversation.
func (c *Client) Typing(ctx context.Context) ([]models.UserRef, error) {
	var out []models.UserRef
	err := c.do(ctx, func() { out = c.typing.Typists() })
	return out, err
}

// Edit asks the server to change one of the viewer's messages.
func (c *Client) Edit(ctx context.Context, messageID, newContent string) error {
	var merr error
	if err := c.do(ctx, func() { merr = c.mutations.Edit(messageID, newContent) }); err != nil {
		return err
	}
	return merr
}

// Delete asks the server to remove one of the viewer's messages.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	var merr error
	if err := c.do(ctx, func() { merr = c.mutations.Delete(messageID) }); err != nil {
		return err
	}
	return merr
}

// React toggles the viewer's emoji on a message. The change is visible
// immediately and undone if the server rejects it.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	var merr error
	if err := c.do(ctx, func() {
		merr = c.mutations.React(messageID, emoji, c.now())
		if merr == nil {
			c.notify(Notification{Kind: NotifyStreamChanged, ConversationID: c.stream.Active()})
		}
	}); err != nil {
		return err
	}
	return merr
}

// MarkRead clears the unread counter locally and on the server.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if err := c.do(ctx, func() {
		if c.dir.MarkRead(conversationID) {
			c.notify(Notification{Kind: NotifyDirectoryChanged, ConversationID: conversationID})
		}
	}); err != nil {
		return err
	}
	return c.dir.RequestMarkRead(ctx, conversationID)
}

func (c *Client) resetViewer(viewer models.UserRef) {
	prev := c.stream.Active()
	c.viewer = viewer
	c.dir.SetViewer(viewer.ID)
	c.typing.SetViewer(viewer.ID)
	_ = c.typing.Reset("")
	c.mutations.SetViewer(viewer)
	c.mutations.Reset()
	if prev != "" {
		c.stream.Open("")
	}
	c.notify(Notification{Kind: NotifyDirectoryChanged})
	c.notify(Notification{Kind: NotifyStreamChanged})
}

func (c *Client) sendBestEffort(kind models.EventKind, payload any) {
	if err := c.ch.Send(kind, payload); err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Str("intent", string(kind)).Msg("intent not sent")
	}
}
