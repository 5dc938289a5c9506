package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
)

// ChatAPIMock stands in for the REST collaborator on the client side.
type ChatAPIMock struct {
	mock.Mock
}

func (m *ChatAPIMock) ListConversations(ctx context.Context, eventID string) ([]models.Conversation, error) {
	args := m.Called(ctx, eventID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ChatAPIMock) CreateOrFindConversation(ctx context.Context, req models.CreateConversationRequest) (models.Conversation, error) {
	args := m.Called(ctx, req)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ChatAPIMock) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *ChatAPIMock) FetchMessages(ctx context.Context, conversationID, before string, limit int) (models.MessagePage, error) {
	args := m.Called(ctx, conversationID, before, limit)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

// SenderMock records outbound intents.
type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) Send(kind models.EventKind, payload any) error {
	args := m.Called(kind, payload)
	return args.Error(0)
}
