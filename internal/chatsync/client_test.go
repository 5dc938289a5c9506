package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/connection"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/stream"
)

var (
	_ Channel = (*connection.Manager)(nil)
	_ API     = (*mocks.ChatAPIMock)(nil)
)

type sentIntent struct {
	Kind    models.EventKind
	Payload any
}

type fakeChannel struct {
	events chan connection.Event

	mu     sync.Mutex
	state  connection.State
	tokens []string
	sent   []sentIntent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan connection.Event, 64), state: connection.StateIdle}
}

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Connect(token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	if token == "" {
		f.state = connection.StateIdle
		f.mu.Unlock()
		f.events <- connection.Event{Type: connection.EventDisconnected, Reason: "credential removed"}
		return
	}
	f.state = connection.StateConnected
	f.mu.Unlock()
	f.events <- connection.Event{Type: connection.EventConnected}
}

func (f *fakeChannel) Disconnect() {
	f.Connect("")
}

func (f *fakeChannel) Send(kind models.EventKind, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != connection.StateConnected {
		return connection.ErrNotConnected
	}
	f.sent = append(f.sent, sentIntent{Kind: kind, Payload: payload})
	return nil
}

func (f *fakeChannel) Events() <-chan connection.Event {
	return f.events
}

func (f *fakeChannel) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.state = connection.StateDisconnected
	f.mu.Unlock()
	f.events <- connection.Event{Type: connection.EventDisconnected, Reason: "read: connection reset"}
}

func (f *fakeChannel) reconnect() {
	f.mu.Lock()
	f.state = connection.StateConnected
	f.mu.Unlock()
	f.events <- connection.Event{Type: connection.EventConnected}
}

func (f *fakeChannel) push(t *testing.T, kind models.EventKind, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(kind, payload)
	require.NoError(t, err)
	f.events <- connection.Event{Type: connection.EventFrame, Frame: env}
}

func (f *fakeChannel) intents() []sentIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentIntent(nil), f.sent...)
}

func (f *fakeChannel) kinds() []models.EventKind {
	var out []models.EventKind
	for _, s := range f.intents() {
		out = append(out, s.Kind)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	client *Client
	ch     *fakeChannel
	api    *mocks.ChatAPIMock
	clock  *fakeClock
}

func start(t *testing.T, conversations ...models.Conversation) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), api: new(mocks.ChatAPIMock), clock: &fakeClock{now: t0}}
	h.api.On("ListConversations", mock.Anything, "").Return(conversations, nil).Maybe()

	h.client = New(Config{TickInterval: 5 * time.Millisecond, NotificationBuffer: 256}, h.ch, h.api)
	h.client.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.NoError(t, h.client.Connect(context.Background(), Credential{Token: "tok", UserID: "me", UserName: "Me"}))
	h.waitFor(t, NotifyConnected)
	return h
}

func (h *harness) waitFor(t *testing.T, kind NotificationKind) Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.client.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func conv(id, eventID string) models.Conversation {
	return models.Conversation{
		ID:      id,
		EventID: eventID,
		Status:  models.StatusActive,
		Participants: []models.Participant{
			{User: models.UserRef{ID: "me"}, Active: true},
			{User: models.UserRef{ID: "u2"}, Active: true},
		},
		UpdatedAt: t0,
	}
}

func pushed(id, conversationID, sender string, offset time.Duration) models.NewMessagePayload {
	return models.NewMessagePayload{
		ConversationID: conversationID,
		Message: models.Message{
			ID:             id,
			ConversationID: conversationID,
			Content:        models.Content{Type: models.ContentText, Text: "msg " + id},
			Sender:         models.UserRef{ID: sender},
			CreatedAt:      t0.Add(offset),
		},
	}
}

func unread(t *testing.T, c *Client, conversationID string) int {
	t.Helper()
	cv, ok, err := c.Conversation(context.Background(), conversationID)
	require.NoError(t, err)
	require.True(t, ok)
	return cv.UnreadCount
}

func messageIDs(t *testing.T, c *Client) []string {
	t.Helper()
	list, err := c.Messages(context.Background())
	require.NoError(t, err)
	out := []string{}
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestPushAppliedWhileRefreshInFlight(t *testing.T) {
	h := start(t, conv("c1", "e1"))
	ctx := context.Background()
	require.NoError(t, h.client.Refresh(ctx, ""))

	release := make(chan struct{})
	h.api.On("ListConversations", mock.Anything, "e1").
		Run(func(mock.Arguments) { <-release }).
		Return([]models.Conversation{conv("c1", "e1")}, nil).Once()

	refreshed := make(chan error, 1)
	go func() { refreshed <- h.client.Refresh(ctx, "e1") }()

	h.ch.push(t, models.EventNewMessage, pushed("m1", "c1", "u2", time.Second))
	require.Eventually(t, func() bool { return unread(t, h.client, "c1") == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-refreshed)
	assert.Equal(t, 1, unread(t, h.client, "c1"), "stale fetch does not regress the pushed count")
}

func TestUnreadPushOverridesLocalCount(t *testing.T) {
	h := start(t, conv("c1", ""))
	ctx := context.Background()
	require.NoError(t, h.client.Refresh(ctx, ""))

	h.ch.push(t, models.EventNewMessage, pushed("m1", "c1", "u2", time.Second))
	h.ch.push(t, models.EventNewMessage, pushed("m2", "c1", "u2", 2*time.Second))
	h.ch.push(t, models.EventUnreadCountUpdate, models.UnreadCountPayload{ConversationID: "c1", UnreadCount: 3})

	require.Eventually(t, func() bool { return unread(t, h.client, "c1") == 3 }, time.Second, 5*time.Millisecond)
}

func TestNewMessageRouting(t *testing.T) {
	h := start(t, conv("c1", ""), conv("c2", ""))
	ctx := context.Background()
	require.NoError(t, h.client.Refresh(ctx, ""))
	require.NoError(t, h.client.Open(ctx, "c1"))

	h.ch.push(t, models.EventNewMessage, pushed("m2", "c1", "u2", 2*time.Second))
	h.ch.push(t, models.EventNewMessage, pushed("m1", "c1", "u2", time.Second))
	h.ch.push(t, models.EventNewMessage, pushed("x1", "c2", "u2", time.Second))

	require.Eventually(t, func() bool { return unread(t, h.client, "c2") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(t, h.client))
	assert.Equal(t, 0, unread(t, h.client, "c1"))

	cv, _, err := h.client.Conversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, cv.LastMessage)
	assert.Equal(t, "msg m2", cv.LastMessage.Content)
}

func TestOpenSwitchesServerInterest(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.api.On("FetchMessages", mock.Anything, "c2", "", stream.DefaultPageSize).
		Return(models.MessagePage{Messages: []models.Message{pushed("m9", "c2", "u2", 0).Message}}, nil).Maybe()

	require.NoError(t, h.client.Open(ctx, "c1"))
	require.NoError(t, h.client.Open(ctx, "c2"))
	assert.Equal(t, []models.EventKind{models.IntentJoinChat, models.IntentLeaveChat, models.IntentJoinChat}, h.ch.kinds())
	assert.Equal(t, models.ConversationRefPayload{ConversationID: "c1"}, h.ch.intents()[1].Payload)

	h.ch.drop()
	h.waitFor(t, NotifyDisconnected)
	h.ch.reconnect()
	h.waitFor(t, NotifyConnected)

	require.Eventually(t, func() bool { return len(h.ch.intents()) == 4 }, time.Second, 5*time.Millisecond)
	last := h.ch.intents()[3]
	assert.Equal(t, models.IntentJoinChat, last.Kind)
	assert.Equal(t, models.ConversationRefPayload{ConversationID: "c2"}, last.Payload)

	require.Eventually(t, func() bool {
		ids := messageIDs(t, h.client)
		return len(ids) == 1 && ids[0] == "m9"
	}, time.Second, 5*time.Millisecond)
}

func TestStalePageDroppedAfterOpen(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "A"))

	started := make(chan struct{})
	release := make(chan struct{})
	h.api.On("FetchMessages", mock.Anything, "A", "", stream.DefaultPageSize).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(models.MessagePage{Messages: []models.Message{pushed("a1", "A", "u2", 0).Message}}, nil).Once()

	loaded := make(chan error, 1)
	go func() {
		_, err := h.client.LoadPage(ctx, "")
		loaded <- err
	}()

	<-started
	require.NoError(t, h.client.Open(ctx, "B"))
	close(release)

	require.NoError(t, <-loaded)
	assert.Empty(t, messageIDs(t, h.client))
}

func TestSendMessageValidation(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "c1"))
	before := len(h.ch.intents())

	assert.ErrorIs(t, h.client.SendMessage(ctx, "  ", ""), stream.ErrEmptyMessage)
	assert.Len(t, h.ch.intents(), before)

	require.NoError(t, h.client.SendMessage(ctx, "hello", ""))
	assert.Empty(t, messageIDs(t, h.client), "no local echo")
	sent := h.ch.intents()
	assert.Equal(t, models.IntentSendMessage, sent[len(sent)-1].Kind)

	require.NoError(t, h.client.Disconnect(ctx))
	h.waitFor(t, NotifyDisconnected)
	assert.ErrorIs(t, h.client.SendMessage(ctx, "hello", ""), connection.ErrNotConnected)
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "c1"))

	h.ch.push(t, models.EventUserTyping, models.TypingPayload{UserID: "u2", UserName: "Ana", ConversationID: "c1"})
	require.Eventually(t, func() bool {
		users, err := h.client.Typing(ctx)
		return err == nil && len(users) == 1
	}, time.Second, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		users, err := h.client.Typing(ctx)
		return err == nil && len(users) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLocalTypingDebouncedAndAutoStopped(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "c1"))

	require.NoError(t, h.client.StartTyping(ctx))
	h.clock.Advance(time.Second)
	require.NoError(t, h.client.StartTyping(ctx))
	assert.Equal(t, []models.EventKind{models.IntentJoinChat, models.IntentTypingStart}, h.ch.kinds())

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		k := h.ch.kinds()
		return k[len(k)-1] == models.IntentTypingStop
	}, time.Second, 5*time.Millisecond)
}

func TestRejectedReactionNotifiesAndRollsBack(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "c1"))
	h.ch.push(t, models.EventNewMessage, pushed("m1", "c1", "u2", 0))
	require.Eventually(t, func() bool { return len(messageIDs(t, h.client)) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.React(ctx, "m1", "🔥"))
	list, _ := h.client.Messages(ctx)
	require.Len(t, list[0].Reactions, 1)

	h.ch.push(t, models.EventMutationRejected, models.MutationRejectedPayload{
		Action: models.IntentAddReaction, MessageID: "m1", Reason: "reactions disabled",
	})
	n := h.waitFor(t, NotifyMutationRejected)
	var rerr *mutation.RejectedError
	require.ErrorAs(t, n.Err, &rerr)
	assert.True(t, rerr.RolledBack)
	assert.Equal(t, "reactions disabled", n.Reason)

	list, _ = h.client.Messages(ctx)
	assert.Empty(t, list[0].Reactions)
}

func TestDeleteOfUnloadedMessageIsHarmless(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.NoError(t, h.client.Open(ctx, "c1"))
	h.ch.push(t, models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: "m1"})
	h.ch.events <- connection.Event{Type: connection.EventFrame, Frame: models.Envelope{Type: models.EventMessageDeleted, Payload: json.RawMessage(`{`)}}
	h.ch.push(t, models.EventNewMessage, pushed("m2", "c1", "u2", 0))

	require.Eventually(t, func() bool { return len(messageIDs(t, h.client)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectClearsToken(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	assert.Equal(t, "tok", h.client.Token())

	require.NoError(t, h.client.Disconnect(ctx))
	h.waitFor(t, NotifyDisconnected)
	assert.Empty(t, h.client.Token())
	assert.Equal(t, connection.StateIdle, h.client.ConnectionState())
}

func TestSwitchingUserDropsState(t *testing.T) {
	h := start(t, conv("c1", ""))
	ctx := context.Background()
	require.NoError(t, h.client.Refresh(ctx, ""))
	require.NoError(t, h.client.Open(ctx, "c1"))

	h.ch.push(t, models.EventNewMessage, pushed("m1", "c1", "u2", 0))
	require.Eventually(t, func() bool { return len(messageIDs(t, h.client)) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.Connect(ctx, Credential{Token: "tok2", UserID: "other"}))

	active, err := h.client.ActiveConversation(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, messageIDs(t, h.client))
	assert.Equal(t, "tok2", h.client.Token())
}

func TestCreateOrFindAddsViewer(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.api.On("CreateOrFindConversation", mock.Anything, models.CreateConversationRequest{
		ParticipantIDs: []string{"a", "me", "z"},
	}).Return(conv("c7", ""), nil).Twice()

	first, err := h.client.CreateOrFind(ctx, []string{"z", "a"}, "", "")
	require.NoError(t, err)
	second, err := h.client.CreateOrFind(ctx, []string{"a", "z", "me"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := h.client.Conversations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRefreshDroppedAfterUserSwitch(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	h.api.On("ListConversations", mock.Anything, "e9").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]models.Conversation{conv("me-only", "e9")}, nil).Once()

	refreshed := make(chan error, 1)
	go func() { refreshed <- h.client.Refresh(ctx, "e9") }()
	<-started

	require.NoError(t, h.client.Connect(ctx, Credential{Token: "tok2", UserID: "other"}))
	close(release)
	require.NoError(t, <-refreshed)

	list, err := h.client.Conversations(ctx, "e9")
	require.NoError(t, err)
	assert.Empty(t, list)
}
