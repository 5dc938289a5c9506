package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/observability"
)

var _ Publisher = (*mocks.PublisherMock)(nil)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "chat-sync", "test")

	pub.On("Publish", mock.Anything, "audit.chat", mock.Anything, map[string]string{"x-request-id": "req-1"}).
		Return(nil).Once()

	emitter.Emit(context.Background(), "INFO", "message_edited", "req-1", "u1", map[string]any{"message_id": "m1"})

	pub.AssertExpectations(t)
	env, ok := pub.Calls[0].Arguments.Get(2).(observability.EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", env.EventType)
	assert.Equal(t, "message_edited", env.EventName)
	payload := env.Payload.(AuditPayload)
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "chat-sync", payload.Service)
	assert.Equal(t, "m1", payload.Fields["message_id"])
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "ws_events.chats", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	emitter := NewAuditEmitter(pub, "audit.chat", "chat-sync", "test")
	emitter.WSEvent(context.Background(), "ws_connect", map[string]any{"conn_id": "c1"}, "", "")
	pub.AssertExpectations(t)

	var nilEmitter *AuditEmitter
	nilEmitter.Emit(context.Background(), "INFO", "noop", "", "", nil)
}
