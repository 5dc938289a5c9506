package typing

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"chat-sync/internal/models"
)

const (
	// DefaultSendWindow bounds how often typing_start is emitted.
	DefaultSendWindow = 3 * time.Second
	// DefaultIdleStop is the local inactivity after which typing_stop fires.
	DefaultIdleStop = 3 * time.Second
	// DefaultExpiry removes a remote typist whose stop signal never arrived.
	DefaultExpiry = 5 * time.Second
)

// Sender emits outbound intents over the push channel.
type Sender interface {
	Send(kind models.EventKind, payload any) error
}

// Config holds the three typing windows.
type Config struct {
	SendWindow time.Duration
	IdleStop   time.Duration
	Expiry     time.Duration
}

type typist struct {
	user     models.UserRef
	lastSeen time.Time
}

// Coordinator tracks remote typists in the active conversation and
// debounces the local user's typing signals. Time is always passed in so
// both timers can be driven by a ticker or by tests.
type Coordinator struct {
	sender Sender
	viewer string
	cfg    Config

	active  string
	limiter *rate.Limiter

	typingIn string
	stopAt   time.Time

	remote map[string]typist
}

// New returns a coordinator for viewerID.
func New(sender Sender, viewerID string, cfg Config) *Coordinator {
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = DefaultSendWindow
	}
	if cfg.IdleStop <= 0 {
		cfg.IdleStop = DefaultIdleStop
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	c := &Coordinator{
		sender: sender,
		viewer: viewerID,
		cfg:    cfg,
		remote: make(map[string]typist),
	}
	c.resetLimiter()
	return c
}

// SetViewer changes the local user id.
func (c *Coordinator) SetViewer(viewerID string) {
	c.viewer = viewerID
}

// Active returns the conversation being tracked.
func (c *Coordinator) Active() string {
	return c.active
}

// Reset switches to conversationID. Local typing in the previous
// conversation is stopped and the remote set is cleared.
func (c *Coordinator) Reset(conversationID string) error {
	err := c.StopTyping()
	c.active = conversationID
	c.remote = make(map[string]typist)
	return err
}

// StartTyping records local keystroke activity. typing_start is emitted at
// most once per send window; every call pushes the auto-stop deadline out.
func (c *Coordinator) StartTyping(now time.Time) (bool, error) {
	if c.active == "" {
		return false, nil
	}
	c.typingIn = c.active
	c.stopAt = now.Add(c.cfg.IdleStop)
	if !c.limiter.AllowN(now, 1) {
		return false, nil
	}
	if err := c.sender.Send(models.IntentTypingStart, models.ConversationRefPayload{ConversationID: c.active}); err != nil {
		return false, err
	}
	return true, nil
}

// StopTyping emits typing_stop if a start is outstanding.
func (c *Coordinator) StopTyping() error {
	if c.typingIn == "" {
		return nil
	}
	conversationID := c.typingIn
	c.typingIn = ""
	c.stopAt = time.Time{}
	c.resetLimiter()
	return c.sender.Send(models.IntentTypingStop, models.ConversationRefPayload{ConversationID: conversationID})
}

// Typing reports whether the local user has an outstanding start.
func (c *Coordinator) Typing() bool {
	return c.typingIn != ""
}

// HandleTyping records a remote user_typing signal. It reports whether the
// visible set changed.
func (c *Coordinator) HandleTyping(p models.TypingPayload, now time.Time) bool {
	if p.ConversationID == "" || p.ConversationID != c.active || p.UserID == "" || p.UserID == c.viewer {
		return false
	}
	_, known := c.remote[p.UserID]
	c.remote[p.UserID] = typist{user: models.UserRef{ID: p.UserID, Name: p.UserName}, lastSeen: now}
	return !known
}

// HandleStopped removes a remote typist.
func (c *Coordinator) HandleStopped(p models.TypingPayload) bool {
	if p.ConversationID != c.active {
		return false
	}
	if _, ok := c.remote[p.UserID]; !ok {
		return false
	}
	delete(c.remote, p.UserID)
	return true
}

// Tick fires the local auto-stop and expires remote typists that have been
// silent for the expiry window. It reports whether the visible set changed.
func (c *Coordinator) Tick(now time.Time) (bool, error) {
	var err error
	if c.typingIn != "" && !now.Before(c.stopAt) {
		err = c.StopTyping()
	}
	changed := false
	for id, t := range c.remote {
		if now.Sub(t.lastSeen) >= c.cfg.Expiry {
			delete(c.remote, id)
			changed = true
		}
	}
	return changed, err
}

// Typists returns the remote users currently typing, ordered by id.
func (c *Coordinator) Typists() []models.UserRef {
	out := make([]models.UserRef, 0, len(c.remote))
	for _, t := range c.remote {
		out = append(out, t.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) resetLimiter() {
	c.limiter = rate.NewLimiter(rate.Every(c.cfg.SendWindow), 1)
}
