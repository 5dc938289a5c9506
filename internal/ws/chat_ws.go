package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

// ChatWebSocketHandler serves the per-user push channel.
type ChatWebSocketHandler struct {
	hub        *Hub
	tokens     *middleware.TokenTable
	convs      repositories.ConversationRepository
	msgs       repositories.MessageRepository
	emitter    *telemetry.AuditEmitter
	editWindow time.Duration
	now        func() time.Time
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. A zero
// editWindow allows edits at any age.
func NewChatWebSocketHandler(hub *Hub, tokens *middleware.TokenTable, convs repositories.ConversationRepository, msgs repositories.MessageRepository, emitter *telemetry.AuditEmitter, editWindow time.Duration) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		hub:        hub,
		tokens:     tokens,
		convs:      convs,
		msgs:       msgs,
		emitter:    emitter,
		editWindow: editWindow,
		now:        time.Now,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and starts its pumps.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	user, ok := h.tokens.Resolve(token)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newID(),
		UserID:      user.ID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(h.hub, conn, user, info)
	h.hub.Register(client)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.emitter.WSEvent(ctx, "ws_connect", info.eventPayload("ws_connect", ""), info.RequestID, info.TraceID)
	log.Info().Str("component", "ws").Str("conn_id", info.ConnID).Str("user_id", user.ID).Msg("websocket connected")

	go client.writePump()
	go func() {
		// the request context ends with the handler; intents outlive it
		connCtx := context.WithoutCancel(ctx)
		err := client.readPump(func(env models.Envelope) { h.handleIntent(connCtx, client, env) })

		reason := err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			observability.IncWSEvent("ws_error")
			h.emitter.WSEvent(connCtx, "ws_error", info.eventPayload("ws_error", reason), info.RequestID, info.TraceID)
		}
		h.hub.Unregister(client)
		_ = conn.Close()

		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.emitter.WSEvent(connCtx, "ws_disconnect", info.eventPayload("ws_disconnect", reason), info.RequestID, info.TraceID)
		log.Info().Str("component", "ws").Str("conn_id", info.ConnID).Str("user_id", user.ID).Str("reason", reason).Msg("websocket disconnected")
	}()
}
