package ws

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
)

// Reasons carried by mutation_rejected.
const (
	ReasonMalformed        = "malformed"
	ReasonNotParticipant   = "not_participant"
	ReasonNotAuthor        = "not_author"
	ReasonNotFound         = "not_found"
	ReasonMessageDeleted   = "message_deleted"
	ReasonEditWindow       = "edit_window_expired"
	ReasonEmptyContent     = "empty_content"
	ReasonUnsupportedMedia = "unsupported_content"
	ReasonInternal         = "internal_error"
)

func (h *ChatWebSocketHandler) handleIntent(ctx context.Context, c *Client, env models.Envelope) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(ctx, "ws.intent")
	span.SetAttributes(attribute.String("chat.intent", string(env.Type)), attribute.String("chat.user_id", c.user.ID))
	defer span.End()

	var err error
	switch env.Type {
	case models.IntentJoinChat:
		var p models.ConversationRefPayload
		if err = env.Decode(&p); err == nil {
			h.join(ctx, c, p.ConversationID)
		}
	case models.IntentLeaveChat:
		var p models.ConversationRefPayload
		if err = env.Decode(&p); err == nil {
			h.hub.Leave(p.ConversationID, c)
		}
	case models.IntentSendMessage:
		var p models.SendMessagePayload
		if err = env.Decode(&p); err == nil {
			h.sendMessage(ctx, c, p)
		}
	case models.IntentTypingStart, models.IntentTypingStop:
		var p models.ConversationRefPayload
		if err = env.Decode(&p); err == nil {
			h.typing(c, env.Type, p.ConversationID)
		}
	case models.IntentEditMessage:
		var p models.EditMessagePayload
		if err = env.Decode(&p); err == nil {
			h.editMessage(ctx, c, p)
		}
	case models.IntentDeleteMessage:
		var p models.DeleteMessagePayload
		if err = env.Decode(&p); err == nil {
			h.deleteMessage(ctx, c, p)
		}
	case models.IntentAddReaction:
		var p models.AddReactionPayload
		if err = env.Decode(&p); err == nil {
			h.addReaction(ctx, c, p)
		}
	default:
		log.Debug().Str("component", "ws").Str("type", string(env.Type)).Msg("ignoring unknown intent")
	}
	if err != nil {
		h.reject(ctx, c, env.Type, "", ReasonMalformed)
	}
}

func (h *ChatWebSocketHandler) join(ctx context.Context, c *Client, convID string) {
	ok, err := h.convs.IsParticipant(ctx, convID, c.user.ID)
	if err != nil {
		h.internal(ctx, c, models.IntentJoinChat, "", err)
		return
	}
	if !ok {
		h.reject(ctx, c, models.IntentJoinChat, "", ReasonNotParticipant)
		return
	}
	h.hub.Join(convID, c)
}

func (h *ChatWebSocketHandler) sendMessage(ctx context.Context, c *Client, p models.SendMessagePayload) {
	action := models.IntentSendMessage
	content := strings.TrimSpace(p.Content)
	if content == "" {
		h.reject(ctx, c, action, "", ReasonEmptyContent)
		return
	}
	msg := models.Message{
		ID:             newID(),
		ConversationID: p.ConversationID,
		Sender:         c.user,
		CreatedAt:      h.now().UTC(),
		ReplyTo:        strings.TrimSpace(p.ReplyTo),
	}
	switch p.Type {
	case "", models.ContentText:
		msg.Content = models.Content{Type: models.ContentText, Text: content}
	case models.ContentImage, models.ContentGIF:
		msg.Content = models.Content{Type: p.Type, URL: content}
	default:
		h.reject(ctx, c, action, "", ReasonUnsupportedMedia)
		return
	}

	participants, err := h.convs.ParticipantIDs(ctx, p.ConversationID)
	if err != nil {
		h.internal(ctx, c, action, "", err)
		return
	}
	if !contains(participants, c.user.ID) {
		h.reject(ctx, c, action, "", ReasonNotParticipant)
		return
	}
	if err := h.msgs.Create(ctx, msg); err != nil {
		h.internal(ctx, c, action, "", err)
		return
	}

	h.hub.SendToUsers(participants, models.EventNewMessage, models.NewMessagePayload{ConversationID: msg.ConversationID, Message: msg})
	for _, id := range participants {
		if id == c.user.ID {
			continue
		}
		h.pushUnread(ctx, msg.ConversationID, id)
	}
}

// pushUnread sends the authoritative unread count. A recipient with the
// conversation open has read the message already.
func (h *ChatWebSocketHandler) pushUnread(ctx context.Context, convID, userID string) {
	if h.hub.UserInRoom(convID, userID) {
		if err := h.convs.MarkRead(ctx, convID, userID, h.now().UTC()); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("conversation_id", convID).Str("user_id", userID).Msg("auto mark read failed")
		}
	}
	n, err := h.convs.UnreadCount(ctx, convID, userID)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("conversation_id", convID).Str("user_id", userID).Msg("unread count failed")
		return
	}
	h.hub.SendToUser(userID, models.EventUnreadCountUpdate, models.UnreadCountPayload{ConversationID: convID, UnreadCount: n})
}

func (h *ChatWebSocketHandler) typing(c *Client, kind models.EventKind, convID string) {
	if !h.hub.Joined(convID, c) {
		return
	}
	out := models.EventUserTyping
	if kind == models.IntentTypingStop {
		out = models.EventUserStoppedTyping
	}
	h.hub.BroadcastRoom(convID, out, models.TypingPayload{UserID: c.user.ID, UserName: c.user.Name, ConversationID: convID}, c.user.ID)
}

func (h *ChatWebSocketHandler) editMessage(ctx context.Context, c *Client, p models.EditMessagePayload) {
	action := models.IntentEditMessage
	content := strings.TrimSpace(p.NewContent)
	if content == "" {
		h.reject(ctx, c, action, p.MessageID, ReasonEmptyContent)
		return
	}
	msg, ok := h.ownedMessage(ctx, c, action, p.MessageID)
	if !ok {
		return
	}
	now := h.now().UTC()
	if h.editWindow > 0 && now.Sub(msg.CreatedAt) > h.editWindow {
		h.reject(ctx, c, action, p.MessageID, ReasonEditWindow)
		return
	}
	if msg.Content.Type != models.ContentText {
		h.reject(ctx, c, action, p.MessageID, ReasonUnsupportedMedia)
		return
	}
	if err := h.msgs.Edit(ctx, p.MessageID, content, now); err != nil {
		h.internal(ctx, c, action, p.MessageID, err)
		return
	}
	h.hub.BroadcastRoom(msg.ConversationID, models.EventMessageEdited, models.MessageEditedPayload{
		MessageID:  p.MessageID,
		NewContent: content,
		EditedAt:   now,
	}, "")
	h.audit(ctx, c, "INFO", "message_edited", p.MessageID, nil)
}

func (h *ChatWebSocketHandler) deleteMessage(ctx context.Context, c *Client, p models.DeleteMessagePayload) {
	action := models.IntentDeleteMessage
	msg, err := h.msgs.Get(ctx, p.MessageID)
	if err != nil {
		h.lookupFailed(ctx, c, action, p.MessageID, err)
		return
	}
	if msg.Sender.ID != c.user.ID {
		h.reject(ctx, c, action, p.MessageID, ReasonNotAuthor)
		return
	}
	if !msg.Deleted {
		if err := h.msgs.SoftDelete(ctx, p.MessageID); err != nil {
			h.internal(ctx, c, action, p.MessageID, err)
			return
		}
		h.audit(ctx, c, "INFO", "message_deleted", p.MessageID, nil)
	}
	h.hub.BroadcastRoom(msg.ConversationID, models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: p.MessageID}, "")
}

func (h *ChatWebSocketHandler) addReaction(ctx context.Context, c *Client, p models.AddReactionPayload) {
	action := models.IntentAddReaction
	emoji := strings.TrimSpace(p.Emoji)
	if emoji == "" {
		h.reject(ctx, c, action, p.MessageID, ReasonEmptyContent)
		return
	}
	msg, err := h.msgs.Get(ctx, p.MessageID)
	if err != nil {
		h.lookupFailed(ctx, c, action, p.MessageID, err)
		return
	}
	ok, err := h.convs.IsParticipant(ctx, msg.ConversationID, c.user.ID)
	if err != nil {
		h.internal(ctx, c, action, p.MessageID, err)
		return
	}
	if !ok {
		h.reject(ctx, c, action, p.MessageID, ReasonNotParticipant)
		return
	}
	if msg.Deleted {
		h.reject(ctx, c, action, p.MessageID, ReasonMessageDeleted)
		return
	}
	reactions, err := h.msgs.ToggleReaction(ctx, p.MessageID, models.Reaction{User: c.user, Emoji: emoji, CreatedAt: h.now().UTC()})
	if err != nil {
		h.internal(ctx, c, action, p.MessageID, err)
		return
	}
	h.hub.BroadcastRoom(msg.ConversationID, models.EventReactionAdded, models.ReactionAddedPayload{
		MessageID: p.MessageID,
		UserID:    c.user.ID,
		UserName:  c.user.Name,
		Emoji:     emoji,
		Reactions: reactions,
	}, "")
	h.audit(ctx, c, "INFO", "reaction_toggled", p.MessageID, map[string]any{"emoji": emoji})
}

// ownedMessage loads a live message authored by the client's user, rejecting
// the intent otherwise.
func (h *ChatWebSocketHandler) ownedMessage(ctx context.Context, c *Client, action models.EventKind, messageID string) (models.Message, bool) {
	msg, err := h.msgs.Get(ctx, messageID)
	if err != nil {
		h.lookupFailed(ctx, c, action, messageID, err)
		return models.Message{}, false
	}
	if msg.Sender.ID != c.user.ID {
		h.reject(ctx, c, action, messageID, ReasonNotAuthor)
		return models.Message{}, false
	}
	if msg.Deleted {
		h.reject(ctx, c, action, messageID, ReasonMessageDeleted)
		return models.Message{}, false
	}
	return msg, true
}

func (h *ChatWebSocketHandler) lookupFailed(ctx context.Context, c *Client, action models.EventKind, messageID string, err error) {
	if errors.Is(err, repositories.ErrMessageNotFound) {
		h.reject(ctx, c, action, messageID, ReasonNotFound)
		return
	}
	h.internal(ctx, c, action, messageID, err)
}

func (h *ChatWebSocketHandler) internal(ctx context.Context, c *Client, action models.EventKind, messageID string, err error) {
	log.Error().Err(err).Str("component", "ws").Str("action", string(action)).Str("message_id", messageID).Str("user_id", c.user.ID).Msg("intent failed")
	h.reject(ctx, c, action, messageID, ReasonInternal)
}

func (h *ChatWebSocketHandler) reject(ctx context.Context, c *Client, action models.EventKind, messageID, reason string) {
	observability.IncWSEvent("mutation_rejected")
	h.hub.SendTo(c, models.EventMutationRejected, models.MutationRejectedPayload{Action: action, MessageID: messageID, Reason: reason})
	h.audit(ctx, c, "WARN", "mutation_rejected", messageID, map[string]any{"intent": string(action), "reason": reason})
}

func (h *ChatWebSocketHandler) audit(ctx context.Context, c *Client, level, action, messageID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if messageID != "" {
		fields["message_id"] = messageID
	}
	fields["conn_id"] = c.info.ConnID
	h.emitter.Emit(ctx, level, action, c.info.RequestID, c.user.ID, fields)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
