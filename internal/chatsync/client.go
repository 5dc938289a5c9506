package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/connection"
	"chat-sync/internal/directory"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/stream"
	"chat-sync/internal/typing"
)

// ErrClosed is returned by calls made after Run has returned.
var ErrClosed = errors.New("chat client closed")

// Channel is the push channel the client drives.
type Channel interface {
	Run(ctx context.Context) error
	Connect(token string)
	Disconnect()
	Send(kind models.EventKind, payload any) error
	Events() <-chan connection.Event
	State() connection.State
}

// API is the REST collaborator.
type API interface {
	directory.Collaborator
	stream.Fetcher
}

// Credential identifies the signed-in user.
type Credential struct {
	Token    string
	UserID   string
	UserName string
}

// Config tunes the client.
type Config struct {
	Typing             typing.Config
	PageSize           int
	TickInterval       time.Duration
	NotificationBuffer int
}

// Client owns all chat state for one signed-in user. A single goroutine
// started by Run applies push events, user commands, REST results and
// timer ticks one at a time; every exported method hands work to it.
type Client struct {
	cfg Config
	ch  Channel
	api API
	now func() time.Time

	dir       *directory.Directory
	stream    *stream.Stream
	typing    *typing.Coordinator
	mutations *mutation.Handler

	cmds    chan func()
	notes   chan Notification
	stopped chan struct{}
	runCtx  context.Context

	tokenMu sync.RWMutex
	token   string

	viewer     models.UserRef
	refreshing bool
}

// New wires the components around ch and api. Nothing happens until Run.
func New(cfg Config, ch Channel, api API) *Client {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 128
	}
	c := &Client{
		cfg:     cfg,
		ch:      ch,
		api:     api,
		now:     time.Now,
		cmds:    make(chan func()),
		notes:   make(chan Notification, cfg.NotificationBuffer),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
	}
	c.dir = directory.New(api, "")
	c.stream = stream.New(api, ch, cfg.PageSize)
	c.typing = typing.New(ch, "", cfg.Typing)
	c.mutations = mutation.New(c.stream, ch, models.UserRef{})
	return c
}

// Notifications delivers best-effort change notifications.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Token returns the current bearer token. Safe for any goroutine; the REST
// client reads it per request.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// ConnectionState reports the channel lifecycle state.
func (c *Client) ConnectionState() connection.State {
	return c.ch.State()
}

// Run drives the channel and the actor loop until ctx is cancelled. It
// must be called exactly once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.stopped)
	g, gctx := errgroup.WithContext(ctx)
	c.runCtx = gctx
	g.Go(func() error { return c.ch.Run(gctx) })
	g.Go(func() error { return c.loop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	events := c.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case ev := <-events:
			c.handleEvent(ev)
		case <-ticker.C:
			c.tick()
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (c *Client) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

// background runs fn on its own goroutine for REST work started by the
// actor itself. fn submits its result back with do.
func (c *Client) background(fn func(ctx context.Context)) {
	ctx := c.runCtx
	go fn(ctx)
}

func (c *Client) tick() {
	changed, err := c.typing.Tick(c.now())
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		log.Warn().Err(err).Str("component", "chatsync").Msg("typing auto-stop failed")
	}
	if changed {
		c.notify(Notification{Kind: NotifyTypingChanged, ConversationID: c.typing.Active()})
	}
}

func (c *Client) setToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// connected reports whether intents can be sent right now.
func (c *Client) connected() bool {
	return c.ch.State() == connection.StateConnected
}
