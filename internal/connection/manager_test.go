package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

type stubConn struct {
	in       chan []byte
	closedCh chan struct{}
	once     sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newStubConn() *stubConn {
	return &stubConn{in: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return 1, data, nil
	case <-s.closedCh:
		return 0, nil, errors.New("closed")
	}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	default:
	}
	s.mu.Lock()
	s.writes = append(s.writes, data)
	s.mu.Unlock()
	return nil
}

func (s *stubConn) WriteControl(_ int, _ []byte, _ time.Time) error { return nil }
func (s *stubConn) SetReadDeadline(_ time.Time) error               { return nil }
func (s *stubConn) SetWriteDeadline(_ time.Time) error              { return nil }
func (s *stubConn) SetPongHandler(_ func(string) error)             {}

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *stubConn) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type stubDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*stubConn
	fail   int
}

func (d *stubDialer) Dial(_ context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	for _, c := range d.conns {
		if !c.isClosed() {
			return nil, errors.New("second live channel for one user")
		}
	}
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *stubDialer) last() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	return Config{
		URL:            "ws://test/ws",
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		EventBuffer:    64,
	}
}

func startManager(t *testing.T, d Dialer) *Manager {
	t.Helper()
	m := NewManager(testConfig(), d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func waitForEvent(t *testing.T, m *Manager, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func TestManagerWithoutCredentialStaysIdle(t *testing.T) {
	d := &stubDialer{}
	m := startManager(t, d)

	m.Connect("")
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, StateIdle, m.State())
	require.Empty(t, d.dialed())
	require.ErrorIs(t, m.Send(models.IntentJoinChat, models.ConversationRefPayload{ConversationID: "c1"}), ErrNotConnected)
}

func TestManagerSendAndReceive(t *testing.T) {
	d := &stubDialer{}
	m := startManager(t, d)

	m.Connect("t1")
	waitForEvent(t, m, EventConnected)
	require.Equal(t, StateConnected, m.State())

	require.NoError(t, m.Send(models.IntentJoinChat, models.ConversationRefPayload{ConversationID: "c1"}))
	writes := d.last().written()
	require.Len(t, writes, 1)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(writes[0], &env))
	require.Equal(t, models.IntentJoinChat, env.Type)

	frame, err := models.EncodeEnvelope(models.EventMessageDeleted, models.MessageDeletedPayload{MessageID: "m1"})
	require.NoError(t, err)
	d.last().in <- []byte("not json")
	d.last().in <- frame

	ev := waitForEvent(t, m, EventFrame)
	require.Equal(t, models.EventMessageDeleted, ev.Frame.Type)
}

func TestManagerCredentialClearedGoesIdleWithoutReconnect(t *testing.T) {
	d := &stubDialer{}
	m := startManager(t, d)

	m.Connect("t1")
	waitForEvent(t, m, EventConnected)

	m.Disconnect()
	ev := waitForEvent(t, m, EventDisconnected)
	require.Equal(t, "credential removed", ev.Reason)

	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []string{"t1"}, d.dialed())
	require.Equal(t, StateIdle, m.State())
	require.True(t, d.last().isClosed())

	m.Disconnect()
	require.ErrorIs(t, m.Send(models.IntentTypingStop, nil), ErrNotConnected)
}

func TestManagerCredentialChangeReconnectsWithNewToken(t *testing.T) {
	d := &stubDialer{}
	m := startManager(t, d)

	m.Connect("t1")
	waitForEvent(t, m, EventConnected)
	first := d.last()

	m.Connect("t1")
	m.Connect("t2")
	waitForEvent(t, m, EventDisconnected)
	waitForEvent(t, m, EventConnected)

	require.True(t, first.isClosed())
	require.Equal(t, []string{"t1", "t2"}, d.dialed())
	require.Equal(t, StateConnected, m.State())
}

func TestManagerRetriesAfterTransportError(t *testing.T) {
	d := &stubDialer{fail: 2}
	m := startManager(t, d)

	m.Connect("t1")
	ev := waitForEvent(t, m, EventTransportError)
	var terr *TransportError
	require.ErrorAs(t, ev.Err, &terr)
	require.Equal(t, "dial", terr.Op)

	waitForEvent(t, m, EventConnected)

	d.last().Close()
	waitForEvent(t, m, EventDisconnected)
	waitForEvent(t, m, EventConnected)
	require.Len(t, d.dialed(), 4)
}

type gatedDialer struct {
	stubDialer
	started chan struct{}
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	d.started <- struct{}{}
	<-d.release
	return d.stubDialer.Dial(ctx, url, token)
}

func TestManagerCredentialClearedDuringDial(t *testing.T) {
	d := &gatedDialer{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := startManager(t, d)

	m.Connect("t1")
	<-d.started
	m.Disconnect()
	close(d.release)

	require.Eventually(t, func() bool {
		c := d.last()
		return c != nil && c.isClosed()
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(30 * time.Millisecond):
	}
	require.Equal(t, []string{"t1"}, d.dialed())
	require.ErrorIs(t, m.Send(models.IntentJoinChat, models.ConversationRefPayload{ConversationID: "c1"}), ErrNotConnected)
}
