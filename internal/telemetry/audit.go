package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"

	"chat-sync/internal/observability"
)

// Publisher is the subset of the message bus the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes audit records and websocket lifecycle events. A nil
// emitter or publisher drops everything.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
}

type AuditPayload struct {
	SchemaVersion int            `json:"schema_version"`
	Service       string         `json:"service"`
	Environment   string         `json:"environment"`
	Level         string         `json:"level"`
	Action        string         `json:"action"`
	UserID        string         `json:"user_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

// Emit publishes one audit record for action performed by userID.
func (e *AuditEmitter) Emit(ctx context.Context, level, action, requestID, userID string, fields map[string]any) {
	if e == nil || e.publisher == nil {
		return
	}

	log.Debug().
		Str("component", "audit").
		Str("level", level).
		Str("action", action).
		Str("request_id", requestID).
		Str("user_id", userID).
		Msg("audit emit")

	envelope := observability.NewEvent("audit_log", action, AuditPayload{
		SchemaVersion: 1,
		Service:       e.service,
		Environment:   e.environment,
		Level:         level,
		Action:        action,
		UserID:        userID,
		Fields:        fields,
	})
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, observability.BuildHeaders(requestID, "")); err != nil {
		log.Warn().Err(err).Str("component", "audit").Str("action", action).Msg("audit publish failed")
	}
}

// WSEvent publishes a websocket lifecycle event (connect, disconnect, error).
func (e *AuditEmitter) WSEvent(ctx context.Context, name string, payload map[string]any, requestID, traceID string) {
	if e == nil || e.publisher == nil {
		return
	}
	envelope := observability.NewEvent("ws_events", name, payload)
	if err := e.publisher.Publish(ctx, "ws_events.chats", envelope, observability.BuildHeaders(requestID, traceID)); err != nil {
		log.Warn().Err(err).Str("component", "audit").Str("event", name).Msg("ws event publish failed")
	}
}
