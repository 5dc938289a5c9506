package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
)

var (
	_ Fetcher = (*mocks.ChatAPIMock)(nil)
	_ Sender  = (*mocks.SenderMock)(nil)
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conversationID string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Content:        models.Content{Type: models.ContentText, Text: "text " + id},
		Sender:         models.UserRef{ID: "u2"},
		CreatedAt:      base.Add(offset),
	}
}

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestLoadPagePrependsOlderHistory(t *testing.T) {
	api := new(mocks.ChatAPIMock)
	s := New(api, new(mocks.SenderMock), 2)
	s.Open("c1")

	api.On("FetchMessages", mock.Anything, "c1", "", 2).Return(models.MessagePage{
		Messages:  []models.Message{msg("m3", "c1", 3*time.Second), msg("m4", "c1", 4*time.Second)},
		NextToken: "p2",
		HasMore:   true,
	}, nil).Once()
	api.On("FetchMessages", mock.Anything, "c1", "p2", 2).Return(models.MessagePage{
		Messages: []models.Message{msg("m2", "c1", 2*time.Second), msg("m1", "c1", time.Second)},
	}, nil).Once()

	more, err := s.LoadPage(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, more)

	more, err = s.LoadPage(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages()))

	more, err = s.LoadPage(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, more)
	api.AssertExpectations(t)
}

func TestLoadPageFailureKeepsBuffer(t *testing.T) {
	api := new(mocks.ChatAPIMock)
	s := New(api, new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", 0))

	api.On("FetchMessages", mock.Anything, "c1", "", 10).Return(nil, errors.New("connection reset")).Once()
	_, err := s.LoadPage(context.Background(), "")

	var ferr *StreamFetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "c1", ferr.ConversationID)
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestLoadPageWithoutActiveConversation(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	_, err := s.LoadPage(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestStalePageDiscardedAfterSwitch(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("A")
	reqA, ok, err := s.PageRequest("")
	require.NoError(t, err)
	require.True(t, ok)

	s.Open("B")
	s.AppendPushed(msg("b1", "B", 0))

	applied := s.ApplyPage(reqA, models.MessagePage{Messages: []models.Message{msg("a1", "A", time.Second)}})
	assert.False(t, applied)
	assert.Equal(t, []string{"b1"}, ids(s.Messages()))

	s.Open("A")
	assert.False(t, s.ApplyPage(reqA, models.MessagePage{Messages: []models.Message{msg("a1", "A", time.Second)}}),
		"reopening the same conversation still rejects pages from the earlier view")
	assert.Empty(t, s.Messages())
}

func TestAppendPushedRoutesForeignMessages(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	assert.False(t, s.AppendPushed(msg("m1", "c1", 0)))

	s.Open("c1")
	assert.True(t, s.AppendPushed(msg("m1", "c1", 0)))
	assert.False(t, s.AppendPushed(msg("m2", "c2", time.Second)))
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestPushedMessageInsertedInOrder(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", time.Second))
	s.AppendPushed(msg("m3", "c1", 3*time.Second))
	s.AppendPushed(msg("m2", "c1", 2*time.Second))
	s.AppendPushed(msg("m0b", "c1", 0))
	s.AppendPushed(msg("m0a", "c1", 0))

	assert.Equal(t, []string{"m0a", "m0b", "m1", "m2", "m3"}, ids(s.Messages()))

	s.AppendPushed(msg("m2", "c1", 2*time.Second))
	assert.Len(t, s.Messages(), 5, "redelivery replaces in place")
}

func TestOrderedInsertPropertyRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
		s.Open("c1")
		for i := 0; i < 40; i++ {
			offset := time.Duration(rng.Intn(10)) * time.Second
			s.AppendPushed(msg(fmt.Sprintf("m%02d", rng.Intn(30)), "c1", offset))
		}
		held := s.Messages()
		assert.True(t, sort.SliceIsSorted(held, func(i, j int) bool { return held[i].Before(held[j]) }))
		seen := map[string]bool{}
		for _, m := range held {
			assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
			seen[m.ID] = true
		}
	}
}

func TestSendMessageRejectsWhitespace(t *testing.T) {
	sender := new(mocks.SenderMock)
	s := New(new(mocks.ChatAPIMock), sender, 10)
	s.Open("c1")

	assert.ErrorIs(t, s.SendMessage("  ", ""), ErrEmptyMessage)
	assert.ErrorIs(t, s.SendMessage("\n\t", ""), ErrEmptyMessage)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSendMessageEmitsIntentWithoutEcho(t *testing.T) {
	sender := new(mocks.SenderMock)
	s := New(new(mocks.ChatAPIMock), sender, 10)
	s.Open("c1")

	sender.On("Send", models.IntentSendMessage, models.SendMessagePayload{
		ConversationID: "c1",
		Content:        "hello",
		Type:           models.ContentText,
		ReplyTo:        "m1",
	}).Return(nil).Once()
	sender.On("Send", models.IntentSendMessage, models.SendMessagePayload{
		ConversationID: "c1",
		Content:        "https://cdn.example/cat.gif",
		Type:           models.ContentGIF,
	}).Return(nil).Once()

	require.NoError(t, s.SendMessage("  hello ", "m1"))
	require.NoError(t, s.SendMedia(models.ContentGIF, "https://cdn.example/cat.gif", ""))
	assert.ErrorIs(t, s.SendMedia("video", "x", ""), ErrUnsupportedContent)
	assert.Empty(t, s.Messages())
	sender.AssertExpectations(t)
}

func TestSendWithoutActiveConversation(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	assert.ErrorIs(t, s.SendMessage("hi", ""), ErrNoActiveConversation)
}

func TestMutationsAreIdempotent(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", 0))
	s.AppendPushed(msg("m2", "c1", time.Second))
	editedAt := base.Add(time.Minute)

	assert.True(t, s.ApplyEdit("m1", "fixed", editedAt))
	assert.False(t, s.ApplyEdit("m1", "fixed", editedAt))
	m1, _ := s.Message("m1")
	assert.Equal(t, "fixed", m1.Content.Text)
	require.NotNil(t, m1.EditedAt)

	assert.True(t, s.ApplyDelete("m2"))
	assert.False(t, s.ApplyDelete("m2"))
	assert.False(t, s.ApplyEdit("m2", "ghost", editedAt))
	m2, _ := s.Message("m2")
	assert.True(t, m2.Deleted)
	assert.Equal(t, models.DeletedPlaceholder, m2.Content.Text)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
}

func TestMutationOfUnloadedMessageIsNoop(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m2", "c1", 0))

	assert.NotPanics(t, func() {
		assert.False(t, s.ApplyDelete("m1"))
		assert.False(t, s.ApplyEdit("m1", "x", base))
		assert.False(t, s.ApplyReaction("m1", "👍", models.UserRef{ID: "u1"}, base))
		assert.False(t, s.SetReactions("m1", nil))
	})
	assert.Equal(t, []string{"m2"}, ids(s.Messages()))
}

func TestReactionTogglesNeverDuplicate(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", 0))
	u1 := models.UserRef{ID: "u1"}

	for i := 1; i <= 6; i++ {
		require.True(t, s.ApplyReaction("m1", "🎉", u1, base))
		m, _ := s.Message("m1")
		if i%2 == 1 {
			require.Len(t, m.Reactions, 1)
		} else {
			require.Empty(t, m.Reactions)
		}
	}

	s.ApplyReaction("m1", "🎉", models.UserRef{ID: "u2"}, base)
	s.ApplyReaction("m1", "👍", u1, base)
	m, _ := s.Message("m1")
	assert.Len(t, m.Reactions, 2)
}

func TestSetReactionsReplacesList(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", 0))
	list := []models.Reaction{
		{User: models.UserRef{ID: "u1"}, Emoji: "👍"},
		{User: models.UserRef{ID: "u1"}, Emoji: "👍"},
		{User: models.UserRef{ID: "u2"}, Emoji: "👍"},
	}

	assert.True(t, s.SetReactions("m1", list))
	assert.False(t, s.SetReactions("m1", list))
	m, _ := s.Message("m1")
	assert.Len(t, m.Reactions, 2)
}

func TestCatchUpKeepsPagingCursor(t *testing.T) {
	api := new(mocks.ChatAPIMock)
	s := New(api, new(mocks.SenderMock), 2)
	s.Open("c1")
	api.On("FetchMessages", mock.Anything, "c1", "", 2).Return(models.MessagePage{
		Messages:  []models.Message{msg("m3", "c1", 3*time.Second), msg("m4", "c1", 4*time.Second)},
		NextToken: "p2",
		HasMore:   true,
	}, nil).Once()
	_, err := s.LoadPage(context.Background(), "")
	require.NoError(t, err)

	req, ok := s.CatchUpRequest()
	require.True(t, ok)
	assert.Empty(t, req.Token)
	assert.True(t, s.ApplyCatchUp(req, models.MessagePage{
		Messages:  []models.Message{msg("m4", "c1", 4*time.Second), msg("m5", "c1", 5*time.Second)},
		NextToken: "other",
		HasMore:   true,
	}))
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(s.Messages()))

	next, ok, err := s.PageRequest("")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p2", next.Token)

	s.Open("c2")
	assert.False(t, s.ApplyCatchUp(req, models.MessagePage{Messages: []models.Message{msg("m6", "c1", 6*time.Second)}}))
}

func TestLatePageKeepsPushedMutations(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	req, ok, err := s.PageRequest("")
	require.NoError(t, err)
	require.True(t, ok)

	s.AppendPushed(msg("m1", "c1", time.Second))
	require.True(t, s.ApplyDelete("m1"))
	s.AppendPushed(msg("m2", "c1", 2*time.Second))
	require.True(t, s.ApplyEdit("m2", "edited", base.Add(time.Minute)))
	s.AppendPushed(msg("m3", "c1", 3*time.Second))
	require.True(t, s.ApplyReaction("m3", "👍", models.UserRef{ID: "u1"}, base.Add(time.Minute)))

	require.True(t, s.ApplyPage(req, models.MessagePage{Messages: []models.Message{
		msg("m1", "c1", time.Second),
		msg("m2", "c1", 2*time.Second),
		msg("m3", "c1", 3*time.Second),
	}}))

	held := s.Messages()
	require.Len(t, held, 3)
	assert.True(t, held[0].Deleted)
	assert.Equal(t, models.DeletedPlaceholder, held[0].Content.Text)
	assert.Equal(t, "edited", held[1].Content.Text)
	require.NotNil(t, held[1].EditedAt)
	assert.True(t, held[2].HasReaction("u1", "👍"))
}

func TestCatchUpTakesNewerServerState(t *testing.T) {
	s := New(new(mocks.ChatAPIMock), new(mocks.SenderMock), 10)
	s.Open("c1")
	s.AppendPushed(msg("m1", "c1", time.Second))
	s.AppendPushed(msg("m2", "c1", 2*time.Second))
	s.AppendPushed(msg("m3", "c1", 3*time.Second))
	require.True(t, s.ApplyEdit("m2", "first edit", base.Add(time.Minute)))

	deleted := msg("m1", "c1", time.Second)
	deleted.Tombstone()
	edited := msg("m2", "c1", 2*time.Second)
	later := base.Add(2 * time.Minute)
	edited.Content.Text = "second edit"
	edited.EditedAt = &later
	reacted := msg("m3", "c1", 3*time.Second)
	reacted.Reactions = []models.Reaction{{User: models.UserRef{ID: "u2"}, Emoji: "🔥", CreatedAt: later}}

	req, ok := s.CatchUpRequest()
	require.True(t, ok)
	assert.True(t, s.ApplyCatchUp(req, models.MessagePage{Messages: []models.Message{deleted, edited, reacted}}))

	held := s.Messages()
	assert.True(t, held[0].Deleted)
	assert.Equal(t, "second edit", held[1].Content.Text)
	assert.True(t, held[2].HasReaction("u2", "🔥"))

	assert.False(t, s.ApplyCatchUp(req, models.MessagePage{Messages: []models.Message{deleted, edited, reacted}}),
		"re-applying the same page changes nothing")
}
