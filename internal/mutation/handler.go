package mutation

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
	"chat-sync/internal/stream"
)

// Target is the message buffer mutations are applied to.
type Target interface {
	Message(id string) (models.Message, bool)
	ApplyEdit(id, newContent string, editedAt time.Time) bool
	ApplyDelete(id string) bool
	ApplyReaction(id, emoji string, user models.UserRef, at time.Time) bool
	SetReactions(id string, reactions []models.Reaction) bool
}

// Sender emits outbound intents over the push channel.
type Sender interface {
	Send(kind models.EventKind, payload any) error
}

type pendingReaction struct {
	snapshot []models.Reaction
	emojis   map[string]int
}

// Handler applies edit, delete and reaction events to the active stream
// and issues the matching intents. Only reactions are applied before the
// server confirms them.
type Handler struct {
	target Target
	sender Sender
	viewer models.UserRef

	pending map[string]*pendingReaction
}

// New returns a handler acting for viewer.
func New(target Target, sender Sender, viewer models.UserRef) *Handler {
	return &Handler{
		target:  target,
		sender:  sender,
		viewer:  viewer,
		pending: make(map[string]*pendingReaction),
	}
}

// SetViewer changes the acting user.
func (h *Handler) SetViewer(viewer models.UserRef) {
	h.viewer = viewer
}

// Reset forgets pending reactions. Called when the stream switches.
func (h *Handler) Reset() {
	h.pending = make(map[string]*pendingReaction)
}

// Pending reports whether an optimistic reaction awaits confirmation.
func (h *Handler) Pending(messageID string) bool {
	_, ok := h.pending[messageID]
	return ok
}

// Edit asks the server to replace the text of one of the viewer's messages.
func (h *Handler) Edit(messageID, newContent string) error {
	text := strings.TrimSpace(newContent)
	if text == "" {
		return stream.ErrEmptyMessage
	}
	if _, err := h.ownMessage(messageID); err != nil {
		return err
	}
	return h.sender.Send(models.IntentEditMessage, models.EditMessagePayload{MessageID: messageID, NewContent: text})
}

// Delete asks the server to tombstone one of the viewer's messages.
func (h *Handler) Delete(messageID string) error {
	if _, err := h.ownMessage(messageID); err != nil {
		return err
	}
	return h.sender.Send(models.IntentDeleteMessage, models.DeleteMessagePayload{MessageID: messageID})
}

// React toggles the viewer's emoji on a message right away and sends the
// intent. The reaction list before the first unconfirmed toggle is kept so
// a rejection can restore it.
func (h *Handler) React(messageID, emoji string, now time.Time) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ErrEmptyEmoji
	}
	m, ok := h.target.Message(messageID)
	if !ok {
		return ErrMessageNotLoaded
	}
	if m.Deleted {
		return ErrMessageDeleted
	}

	p, existed := h.pending[messageID]
	if !existed {
		p = &pendingReaction{snapshot: m.Reactions, emojis: make(map[string]int)}
		h.pending[messageID] = p
	}
	h.target.ApplyReaction(messageID, emoji, h.viewer, now)
	p.emojis[emoji]++

	if err := h.sender.Send(models.IntentAddReaction, models.AddReactionPayload{MessageID: messageID, Emoji: emoji}); err != nil {
		h.target.SetReactions(messageID, m.Reactions)
		h.settle(messageID, emoji)
		return err
	}
	return nil
}

// settle drops one outstanding toggle of emoji on messageID.
func (h *Handler) settle(messageID, emoji string) {
	p, ok := h.pending[messageID]
	if !ok {
		return
	}
	p.emojis[emoji]--
	if p.emojis[emoji] <= 0 {
		delete(p.emojis, emoji)
	}
	if len(p.emojis) == 0 {
		delete(h.pending, messageID)
	}
}

// HandleEdited applies a message_edited push.
func (h *Handler) HandleEdited(p models.MessageEditedPayload) bool {
	editedAt := p.EditedAt
	if editedAt.IsZero() {
		editedAt = time.Now().UTC()
	}
	return h.target.ApplyEdit(p.MessageID, p.NewContent, editedAt)
}

// HandleDeleted applies a message_deleted push.
func (h *Handler) HandleDeleted(p models.MessageDeletedPayload) bool {
	delete(h.pending, p.MessageID)
	return h.target.ApplyDelete(p.MessageID)
}

// HandleReaction applies a reaction_added push. A full reaction list, when
// present, replaces the held one. Otherwise the single reaction is toggled,
// except for the echo of a toggle this handler already applied.
func (h *Handler) HandleReaction(p models.ReactionAddedPayload, now time.Time) bool {
	echo := false
	if pr, ok := h.pending[p.MessageID]; ok && p.UserID == h.viewer.ID && pr.emojis[p.Emoji] > 0 {
		echo = true
		h.settle(p.MessageID, p.Emoji)
	}
	if p.Reactions != nil {
		return h.target.SetReactions(p.MessageID, p.Reactions)
	}
	if echo {
		return false
	}
	return h.target.ApplyReaction(p.MessageID, p.Emoji, models.UserRef{ID: p.UserID, Name: p.UserName}, now)
}

// HandleRejected turns a mutation_rejected push into a RejectedError,
// undoing the optimistic reaction it refers to.
func (h *Handler) HandleRejected(p models.MutationRejectedPayload) *RejectedError {
	rerr := &RejectedError{Action: p.Action, MessageID: p.MessageID, Reason: p.Reason}
	if p.Action == models.IntentAddReaction {
		rerr.RolledBack = h.rollback(p.MessageID)
	}
	log.Warn().
		Str("component", "mutation").
		Str("action", string(p.Action)).
		Str("message_id", p.MessageID).
		Str("reason", p.Reason).
		Bool("rolled_back", rerr.RolledBack).
		Msg("mutation rejected")
	return rerr
}

func (h *Handler) rollback(messageID string) bool {
	p, ok := h.pending[messageID]
	if !ok {
		return false
	}
	delete(h.pending, messageID)
	h.target.SetReactions(messageID, p.snapshot)
	return true
}

func (h *Handler) ownMessage(messageID string) (models.Message, error) {
	m, ok := h.target.Message(messageID)
	if !ok {
		return models.Message{}, ErrMessageNotLoaded
	}
	if m.Deleted {
		return models.Message{}, ErrMessageDeleted
	}
	if m.Sender.ID != h.viewer.ID {
		return models.Message{}, ErrNotAuthor
	}
	return m, nil
}
