package directory

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
)

// Collaborator is the REST surface the directory reads from.
type Collaborator interface {
	ListConversations(ctx context.Context, eventID string) ([]models.Conversation, error)
	CreateOrFindConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Directory holds the conversation summaries visible to one user.
//
// State methods are not safe for concurrent use; the owning actor calls
// them one at a time. Fetch, RequestConversation and RequestMarkRead only
// touch the collaborator and may run on any goroutine.
type Directory struct {
	api    Collaborator
	viewer string
	active string

	conversations map[string]models.Conversation
}

// New returns an empty directory for viewerID.
func New(api Collaborator, viewerID string) *Directory {
	return &Directory{
		api:           api,
		viewer:        viewerID,
		conversations: make(map[string]models.Conversation),
	}
}

// SetViewer changes the user whose view is held and drops all summaries.
func (d *Directory) SetViewer(viewerID string) {
	if d.viewer == viewerID {
		return
	}
	d.viewer = viewerID
	d.active = ""
	d.conversations = make(map[string]models.Conversation)
}

// Viewer returns the current user id.
func (d *Directory) Viewer() string {
	return d.viewer
}

// SetActive records which conversation the message stream is showing.
func (d *Directory) SetActive(conversationID string) {
	d.active = conversationID
}

// List returns the held conversations, newest activity first. A non-empty
// eventID restricts the result to that event.
func (d *Directory) List(eventID string) []models.Conversation {
	eventID = strings.TrimSpace(eventID)
	out := make([]models.Conversation, 0, len(d.conversations))
	for _, c := range d.conversations {
		if eventID != "" && c.EventID != eventID {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastActivity(), out[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one held conversation.
func (d *Directory) Get(conversationID string) (models.Conversation, bool) {
	c, ok := d.conversations[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// TotalUnread sums the unread counters of every held conversation.
func (d *Directory) TotalUnread() int {
	total := 0
	for _, c := range d.conversations {
		total += c.UnreadCount
	}
	return total
}

// Fetch asks the collaborator for the authoritative conversation list.
func (d *Directory) Fetch(ctx context.Context, eventID string) ([]models.Conversation, error) {
	convs, err := d.api.ListConversations(ctx, strings.TrimSpace(eventID))
	if err != nil {
		return nil, wrapErr("refresh", err)
	}
	return convs, nil
}

// Reconcile replaces the held set (or the part of it scoped to eventID)
// with fetched. Unread counters keep the larger of the local and fetched
// value so that a stale response never undoes a push that arrived while
// the request was in flight.
func (d *Directory) Reconcile(eventID string, fetched []models.Conversation) {
	eventID = strings.TrimSpace(eventID)
	previous := d.conversations
	next := make(map[string]models.Conversation, len(fetched))
	if eventID != "" {
		for id, c := range previous {
			if c.EventID != eventID {
				next[id] = c
			}
		}
	}
	for _, c := range fetched {
		if c.ID == "" {
			continue
		}
		c = c.Clone()
		if local, ok := previous[c.ID]; ok && local.UnreadCount > c.UnreadCount {
			c.UnreadCount = local.UnreadCount
		}
		next[c.ID] = c
	}
	d.conversations = next
	log.Debug().Str("component", "directory").Str("event_id", eventID).Int("count", len(fetched)).Msg("directory reconciled")
}

// Refresh fetches and reconciles in one step.
func (d *Directory) Refresh(ctx context.Context, eventID string) error {
	fetched, err := d.Fetch(ctx, eventID)
	if err != nil {
		return err
	}
	d.Reconcile(eventID, fetched)
	return nil
}

// RequestConversation asks the collaborator for the conversation of exactly
// this participant set. viewerID is always part of the set, and ids are
// normalized first so every permutation resolves to the same conversation.
func (d *Directory) RequestConversation(ctx context.Context, viewerID string, participantIDs []string, eventID, title string) (models.Conversation, error) {
	ids := models.NormalizeParticipants(append(append([]string(nil), participantIDs...), viewerID))
	if len(ids) < 2 {
		return models.Conversation{}, &DirectoryError{Op: "create", Message: "at least one other participant is required"}
	}
	conv, err := d.api.CreateOrFindConversation(ctx, models.CreateConversationRequest{
		ParticipantIDs: ids,
		EventID:        strings.TrimSpace(eventID),
		Title:          strings.TrimSpace(title),
	})
	if err != nil {
		return models.Conversation{}, wrapErr("create", err)
	}
	if conv.ID == "" {
		return models.Conversation{}, wrapErr("create", errors.New("collaborator returned a conversation without id"))
	}
	return conv, nil
}

// CreateOrFind requests the conversation and upserts it.
func (d *Directory) CreateOrFind(ctx context.Context, participantIDs []string, eventID, title string) (models.Conversation, error) {
	conv, err := d.RequestConversation(ctx, d.viewer, participantIDs, eventID, title)
	if err != nil {
		return models.Conversation{}, err
	}
	d.Upsert(conv)
	return conv, nil
}

// Upsert stores conv, keeping the larger unread counter.
func (d *Directory) Upsert(conv models.Conversation) {
	if conv.ID == "" {
		return
	}
	conv = conv.Clone()
	if local, ok := d.conversations[conv.ID]; ok && local.UnreadCount > conv.UnreadCount {
		conv.UnreadCount = local.UnreadCount
	}
	d.conversations[conv.ID] = conv
}

// ApplyIncomingMessage updates the last-message summary of the conversation
// and bumps its unread counter by one, unless the conversation is the one
// being viewed or the message is the viewer's own echo. It reports false
// when the conversation is not held.
func (d *Directory) ApplyIncomingMessage(conversationID string, msg models.Message) bool {
	c, ok := d.conversations[conversationID]
	if !ok {
		return false
	}
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.Timestamp) {
		c.LastMessage = &models.LastMessage{
			Content:   msg.Content.Summary(),
			Sender:    msg.Sender,
			Timestamp: msg.CreatedAt,
		}
	}
	if conversationID != d.active && msg.Sender.ID != d.viewer {
		c.UnreadCount++
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	d.conversations[conversationID] = c
	return true
}

// ApplyUnreadCount sets the counter from an authoritative push.
func (d *Directory) ApplyUnreadCount(conversationID string, count int) bool {
	c, ok := d.conversations[conversationID]
	if !ok {
		return false
	}
	if count < 0 {
		count = 0
	}
	c.UnreadCount = count
	d.conversations[conversationID] = c
	return true
}

// MarkRead zeroes the local counter.
func (d *Directory) MarkRead(conversationID string) bool {
	c, ok := d.conversations[conversationID]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	d.conversations[conversationID] = c
	return true
}

// RequestMarkRead tells the collaborator the viewer has read the conversation.
func (d *Directory) RequestMarkRead(ctx context.Context, conversationID string) error {
	return wrapErr("mark_read", d.api.MarkRead(ctx, conversationID))
}
