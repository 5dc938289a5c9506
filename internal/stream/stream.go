package stream

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 50

// Fetcher loads history pages from the REST collaborator.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID, before string, limit int) (models.MessagePage, error)
}

// Sender emits outbound intents over the push channel.
type Sender interface {
	Send(kind models.EventKind, payload any) error
}

// PageRequest captures the stream position a fetch was issued for. A page
// is only applied if the stream still shows the same conversation at the
// same generation when it arrives.
type PageRequest struct {
	ConversationID string
	Generation     uint64
	Token          string
	Limit          int
}

// Stream holds the ordered history of the single active conversation.
// It is owned by one goroutine; FetchPage is the only method safe to call
// from elsewhere.
type Stream struct {
	fetcher  Fetcher
	sender   Sender
	pageSize int

	active     string
	generation uint64
	messages   []models.Message
	nextToken  string
	hasMore    bool
	loaded     bool
}

// New returns a stream with no active conversation.
func New(fetcher Fetcher, sender Sender, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{fetcher: fetcher, sender: sender, pageSize: pageSize}
}

// Active returns the open conversation id, or "" when none is open.
func (s *Stream) Active() string {
	return s.active
}

// Generation increments on every Open.
func (s *Stream) Generation() uint64 {
	return s.generation
}

// HasMore reports whether older pages remain. It is true before the first
// page is loaded.
func (s *Stream) HasMore() bool {
	return !s.loaded || s.hasMore
}

// Open makes conversationID the active conversation and discards the
// previous buffer. An empty id closes the stream.
func (s *Stream) Open(conversationID string) {
	s.active = strings.TrimSpace(conversationID)
	s.generation++
	s.messages = nil
	s.nextToken = ""
	s.hasMore = false
	s.loaded = false
}

// PageRequest describes the next fetch. An empty token continues from the
// oldest loaded page, or asks for the newest page on first load. ok is
// false when every page has already been loaded.
func (s *Stream) PageRequest(token string) (req PageRequest, ok bool, err error) {
	if s.active == "" {
		return PageRequest{}, false, ErrNoActiveConversation
	}
	if token == "" && s.loaded {
		if !s.hasMore {
			return PageRequest{}, false, nil
		}
		token = s.nextToken
	}
	return PageRequest{
		ConversationID: s.active,
		Generation:     s.generation,
		Token:          token,
		Limit:          s.pageSize,
	}, true, nil
}

// FetchPage calls the collaborator for req.
func (s *Stream) FetchPage(ctx context.Context, req PageRequest) (models.MessagePage, error) {
	page, err := s.fetcher.FetchMessages(ctx, req.ConversationID, req.Token, req.Limit)
	if err != nil {
		return models.MessagePage{}, &StreamFetchError{ConversationID: req.ConversationID, Message: err.Error(), Err: err}
	}
	return page, nil
}

// ApplyPage merges page into the buffer. It reports false, leaving the
// buffer untouched, when the stream has moved on since req was issued.
func (s *Stream) ApplyPage(req PageRequest, page models.MessagePage) bool {
	if req.ConversationID != s.active || req.Generation != s.generation {
		observability.IncStaleResponse()
		log.Debug().
			Str("component", "stream").
			Str("conversation_id", req.ConversationID).
			Uint64("generation", req.Generation).
			Msg("discarding stale page")
		return false
	}
	s.merge(page.Messages)
	s.nextToken = page.NextToken
	s.hasMore = page.HasMore
	s.loaded = true
	return true
}

// CatchUpRequest describes a fetch of the newest page, used after the
// channel reconnects to pick up messages pushed while it was down.
func (s *Stream) CatchUpRequest() (PageRequest, bool) {
	if s.active == "" {
		return PageRequest{}, false
	}
	return PageRequest{ConversationID: s.active, Generation: s.generation, Limit: s.pageSize}, true
}

// ApplyCatchUp merges the newest page without moving the paging cursor.
func (s *Stream) ApplyCatchUp(req PageRequest, page models.MessagePage) bool {
	if req.ConversationID != s.active || req.Generation != s.generation {
		observability.IncStaleResponse()
		return false
	}
	changed := s.merge(page.Messages)
	if !s.loaded {
		s.nextToken = page.NextToken
		s.hasMore = page.HasMore
		s.loaded = true
		changed = true
	}
	return changed
}

func (s *Stream) merge(messages []models.Message) bool {
	changed := false
	for _, m := range messages {
		if m.ConversationID != "" && m.ConversationID != s.active {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = s.active
		}
		if s.insert(m) {
			changed = true
		}
	}
	return changed
}

// LoadPage fetches and applies the next older page and reports whether
// more pages exist.
func (s *Stream) LoadPage(ctx context.Context, token string) (bool, error) {
	req, ok, err := s.PageRequest(token)
	if err != nil || !ok {
		return false, err
	}
	page, err := s.FetchPage(ctx, req)
	if err != nil {
		return s.HasMore(), err
	}
	s.ApplyPage(req, page)
	return s.HasMore(), nil
}

// AppendPushed inserts a pushed message if it belongs to the active
// conversation. It reports false otherwise so the caller can route it to
// the directory.
func (s *Stream) AppendPushed(msg models.Message) bool {
	if s.active == "" || msg.ConversationID != s.active {
		return false
	}
	s.insert(msg)
	return true
}

// SendMessage emits a text message for the active conversation. The
// message is not inserted locally; the server echo is authoritative.
func (s *Stream) SendMessage(content, replyTo string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return ErrEmptyMessage
	}
	return s.send(text, models.ContentText, replyTo)
}

// SendMedia emits an image or GIF reference for the active conversation.
func (s *Stream) SendMedia(kind models.ContentType, url, replyTo string) error {
	if kind != models.ContentImage && kind != models.ContentGIF {
		return ErrUnsupportedContent
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrEmptyMessage
	}
	return s.send(url, kind, replyTo)
}

func (s *Stream) send(content string, kind models.ContentType, replyTo string) error {
	if s.active == "" {
		return ErrNoActiveConversation
	}
	return s.sender.Send(models.IntentSendMessage, models.SendMessagePayload{
		ConversationID: s.active,
		Content:        content,
		Type:           kind,
		ReplyTo:        strings.TrimSpace(replyTo),
	})
}

// Messages returns a copy of the held sequence, oldest first.
func (s *Stream) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns one held message.
func (s *Stream) Message(id string) (models.Message, bool) {
	i := s.find(id)
	if i < 0 {
		return models.Message{}, false
	}
	return s.messages[i].Clone(), true
}

// ApplyEdit replaces the text of a held message. Unknown or deleted
// messages are left alone. It reports whether anything changed.
func (s *Stream) ApplyEdit(id, newContent string, editedAt time.Time) bool {
	i := s.find(id)
	if i < 0 || s.messages[i].Deleted {
		return false
	}
	m := &s.messages[i]
	if m.Content.Type == models.ContentText && m.Content.Text == newContent &&
		m.EditedAt != nil && m.EditedAt.Equal(editedAt) {
		return false
	}
	m.Content = models.Content{Type: models.ContentText, Text: newContent}
	at := editedAt
	m.EditedAt = &at
	return true
}

// ApplyDelete tombstones a held message in place.
func (s *Stream) ApplyDelete(id string) bool {
	i := s.find(id)
	if i < 0 || s.messages[i].Deleted {
		return false
	}
	s.messages[i].Tombstone()
	return true
}

// ApplyReaction toggles the (user, emoji) reaction on a held message.
func (s *Stream) ApplyReaction(id, emoji string, user models.UserRef, at time.Time) bool {
	i := s.find(id)
	if i < 0 || s.messages[i].Deleted || emoji == "" {
		return false
	}
	s.messages[i].Reactions = models.ToggleReaction(s.messages[i].Reactions, models.Reaction{
		User:      user,
		Emoji:     emoji,
		CreatedAt: at,
	})
	return true
}

// SetReactions replaces the reaction list of a held message.
func (s *Stream) SetReactions(id string, reactions []models.Reaction) bool {
	i := s.find(id)
	if i < 0 || s.messages[i].Deleted {
		return false
	}
	next := models.DedupeReactions(reactions)
	if reflect.DeepEqual(next, s.messages[i].Reactions) {
		return false
	}
	s.messages[i].Reactions = next
	return true
}

// insert places m by (CreatedAt, ID) and reports whether the buffer
// changed. A message already held under the same id is reconciled with m
// rather than replaced, so a late REST copy cannot undo pushed mutations.
func (s *Stream) insert(m models.Message) bool {
	if i := s.find(m.ID); i >= 0 {
		held := s.messages[i]
		next := reconcile(held, m)
		if held.CreatedAt.Equal(next.CreatedAt) {
			if reflect.DeepEqual(held, next) {
				return false
			}
			s.messages[i] = next
			return true
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		m = next
	}
	pos := sort.Search(len(s.messages), func(i int) bool {
		return m.Before(s.messages[i])
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m.Clone()
	return true
}

// reconcile merges an incoming copy of a held message. A tombstone on
// either side wins, content follows the later edit, and reactions are
// taken from incoming only when it holds a reaction newer than any held.
func reconcile(held, incoming models.Message) models.Message {
	out := held.Clone()
	if !incoming.CreatedAt.IsZero() {
		out.CreatedAt = incoming.CreatedAt
	}
	if out.Deleted {
		return out
	}
	if incoming.Deleted {
		out.Tombstone()
		return out
	}
	if editedAfter(incoming.EditedAt, held.EditedAt) {
		out.Content = incoming.Content
		at := *incoming.EditedAt
		out.EditedAt = &at
	}
	if latestReaction(incoming.Reactions).After(latestReaction(held.Reactions)) {
		out.Reactions = models.DedupeReactions(incoming.Reactions)
	}
	if out.ReplyTo == "" {
		out.ReplyTo = incoming.ReplyTo
	}
	if out.Sender.Name == "" && out.Sender.ID == incoming.Sender.ID {
		out.Sender.Name = incoming.Sender.Name
	}
	return out
}

func editedAfter(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}

func latestReaction(reactions []models.Reaction) time.Time {
	var latest time.Time
	for _, r := range reactions {
		if r.CreatedAt.After(latest) {
			latest = r.CreatedAt
		}
	}
	return latest
}

func (s *Stream) find(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
