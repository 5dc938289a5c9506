package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// State is the lifecycle state of the channel.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// EventType distinguishes lifecycle notifications from inbound frames.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventTransportError EventType = "transport_error"
	EventFrame          EventType = "frame"
)

// Event is delivered on Events() in arrival order.
type Event struct {
	Type   EventType
	Reason string
	Err    error
	Frame  models.Envelope
}

// Config tunes the channel.
type Config struct {
	URL            string
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	EventBuffer    int
}

// DefaultConfig returns keepalive and backoff settings suitable for production.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		EventBuffer:    256,
	}
}

// Manager owns the single channel of a signed-in user. Run drives the
// lifecycle; Connect and Disconnect only post the desired credential to it.
type Manager struct {
	cfg    Config
	dialer Dialer

	events      chan Event
	credentials chan string
	credMu      sync.Mutex

	mu    sync.Mutex
	state State
	conn  Conn

	writeMu sync.Mutex
}

// NewManager constructs a Manager in the idle state.
func NewManager(cfg Config, dialer Dialer) *Manager {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Manager{
		cfg:         cfg,
		dialer:      dialer,
		events:      make(chan Event, cfg.EventBuffer),
		credentials: make(chan string, 1),
		state:       StateIdle,
	}
}

// Events carries lifecycle notifications and inbound frames.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect binds the channel to token. An empty token leaves the manager idle.
func (m *Manager) Connect(token string) {
	m.postCredential(token)
}

// Disconnect tears the channel down. Calling it repeatedly is harmless.
func (m *Manager) Disconnect() {
	m.postCredential("")
}

// postCredential replaces any credential Run has not consumed yet.
func (m *Manager) postCredential(token string) {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	select {
	case <-m.credentials:
	default:
	}
	m.credentials <- token
}

// Send writes one outbound intent.
func (m *Manager) Send(kind models.EventKind, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := models.EncodeEnvelope(kind, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.cfg.WriteWait > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	observability.IncOutboundIntent(string(kind))
	return nil
}

// Run drives the state machine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	token := ""
	for {
		if token == "" {
			m.setState(StateIdle)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case token = <-m.credentials:
			}
			continue
		}

		next, err := m.serve(ctx, token)
		if err != nil {
			m.setState(StateIdle)
			return err
		}
		token = next
	}
}

// serve keeps a channel bound to token alive, reconnecting with backoff,
// and returns the next credential once it changes.
func (m *Manager) serve(ctx context.Context, token string) (string, error) {
	bo := m.newBackoff()
	for {
		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx, m.cfg.URL, token)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			terr := &TransportError{Op: "dial", Err: err}
			log.Warn().Err(err).Str("component", "connection").Msg("dial failed")
			m.setState(StateDisconnected)
			m.emit(ctx, Event{Type: EventTransportError, Err: terr, Reason: terr.Error()})
		} else {
			select {
			case next := <-m.credentials:
				if next != token {
					_ = conn.Close()
					log.Debug().Str("component", "connection").Msg("credential changed while dialing")
					return next, nil
				}
			default:
			}
			bo.Reset()
			next, changed, err := m.hold(ctx, conn, token)
			if err != nil || changed {
				return next, err
			}
		}

		observability.IncReconnect()
		next, changed, err := m.wait(ctx, bo.NextBackOff(), token)
		if err != nil || changed {
			return next, err
		}
	}
}

// hold services a live channel until it drops, ctx ends or the credential
// changes.
func (m *Manager) hold(ctx context.Context, conn Conn, token string) (string, bool, error) {
	m.attach(conn)
	log.Info().Str("component", "connection").Str("url", m.cfg.URL).Msg("channel connected")
	m.emit(ctx, Event{Type: EventConnected})

	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go m.readLoop(ctx, conn, readErr)
	if m.cfg.PingPeriod > 0 {
		go m.pingLoop(conn, done)
	}

	for {
		select {
		case <-ctx.Done():
			m.detach(conn, "shutdown")
			return "", false, ctx.Err()
		case next := <-m.credentials:
			if next == token {
				continue
			}
			reason := "credential changed"
			if next == "" {
				reason = "credential removed"
			}
			m.detach(conn, reason)
			m.emit(ctx, Event{Type: EventDisconnected, Reason: reason})
			return next, true, nil
		case err := <-readErr:
			m.detach(conn, err.Error())
			m.emit(ctx, Event{Type: EventDisconnected, Reason: err.Error()})
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("component", "connection").Msg("channel dropped")
				m.emit(ctx, Event{Type: EventTransportError, Err: &TransportError{Op: "read", Err: err}, Reason: err.Error()})
			}
			return token, false, nil
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration, token string) (string, bool, error) {
	if d == backoff.Stop || d <= 0 {
		d = m.cfg.MaxBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case next := <-m.credentials:
			if next == token {
				continue
			}
			return next, true, nil
		case <-timer.C:
			return token, false, nil
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, errc chan<- error) {
	if m.cfg.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		})
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		env, err := models.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "connection").Msg("dropping undecodable frame")
			continue
		}
		if !m.current(conn) {
			return
		}
		observability.IncPushEvent(string(env.Type))
		if !m.emit(ctx, Event{Type: EventFrame, Frame: env}) {
			return
		}
	}
}

func (m *Manager) pingLoop(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) attach(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()
	observability.SetConnectionState(string(StateConnected))
}

func (m *Manager) detach(conn Conn, reason string) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	observability.SetConnectionState(string(StateDisconnected))

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	_ = conn.Close()
	log.Info().Str("component", "connection").Str("reason", reason).Msg("channel closed")
}

func (m *Manager) current(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	observability.SetConnectionState(string(s))
}

func (m *Manager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if m.cfg.InitialBackoff > 0 {
		b.InitialInterval = m.cfg.InitialBackoff
	}
	if m.cfg.MaxBackoff > 0 {
		b.MaxInterval = m.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
