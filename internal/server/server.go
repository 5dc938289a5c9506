package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	DB          *sqlx.DB
	Tokens      *middleware.TokenTable
	Emitter     *telemetry.AuditEmitter
	EditWindow  time.Duration
	ServiceName string
	Debug       bool
}

// NewRouter wires REST, websocket and metrics routes.
func NewRouter(d Deps) *gin.Engine {
	convs := repositories.NewConversationRepo(d.DB)
	msgs := repositories.NewMessageRepo(d.DB)
	hub := ws.NewHub(d.Emitter)

	chatHandler := handlers.NewChatHandler(convs, msgs, d.Tokens, hub)
	chatWS := ws.NewChatWebSocketHandler(hub, d.Tokens, convs, msgs, d.Emitter, d.EditWindow)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(d.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())
	router.Use(requestLogger())

	authMiddleware := middleware.AuthMiddleware(d.Tokens)

	api := router.Group("/api", authMiddleware)
	api.GET("/chats", chatHandler.ListConversations)
	api.POST("/chats", chatHandler.CreateConversation)
	api.GET("/chats/:id/messages", chatHandler.GetMessages)
	api.PUT("/chats/:id/read", chatHandler.MarkRead)

	router.GET("/ws", chatWS.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	handlers.RegisterDebugRoutes(router, authMiddleware, d.Emitter, d.Debug)
	return router
}

// Serve runs the reference backend until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config) error {
	database, err := db.Connect(ctx, cfg.Server.DBDriver, cfg.Server.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.Server.AMQPURL, cfg.Server.AMQPExchange)
	defer publisher.Close()
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("audit publisher ready")

	tokens := make(map[string]models.UserRef, len(cfg.Server.Tokens))
	for token, u := range cfg.Server.Tokens {
		tokens[token] = models.UserRef{ID: u.ID, Name: u.Name}
	}
	if len(tokens) == 0 {
		log.Warn().Msg("no tokens configured; every request will be rejected")
	}

	router := NewRouter(Deps{
		DB:          database,
		Tokens:      middleware.NewTokenTable(tokens),
		Emitter:     telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.Tracing.ServiceName, cfg.Server.Environment),
		EditWindow:  cfg.Server.EditWindow,
		ServiceName: cfg.Tracing.ServiceName,
		Debug:       cfg.Server.Debug,
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("driver", cfg.Server.DBDriver).Msg("chat backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", c.GetString("request_id")).
			Msg("request")
	}
}
