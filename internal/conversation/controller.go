package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/events"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/ui"
)

// Backend is the REST side used when the realtime link is down.
type Backend interface {
	SendMessage(ctx context.Context, conversationID, content string, messageType protocol.MessageType) (protocol.Message, error)
	Messages(ctx context.Context, conversationID string) ([]protocol.Message, error)
}

// StateSource reports connection transitions.
type StateSource interface {
	OnStateChange(fn func(connected bool)) events.Unsubscribe
}

// ActiveTracker is told which conversation is on screen, so notifications
// for it can be muted.
type ActiveTracker interface {
	SetActiveConversation(conversationID string)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	ConversationID string
	Me             protocol.Sender
	TypingTimeout  time.Duration
}

// Controller drives one chat screen: it keeps the timeline, the remote typing
// set and read receipts current, and implements send with optimistic
// insertion, REST fallback and rollback.
type Controller struct {
	cfg      ControllerConfig
	client   *Client
	router   *events.Router
	state    StateSource
	backend  Backend
	alerter  ui.Alerter
	tracker  ActiveTracker
	logger   zerolog.Logger
	session  *Session
	timeline *Timeline
	updates  *events.Emitter[struct{}]

	mu     sync.Mutex
	typing map[string]bool
	readBy map[string]time.Time
	unsubs []events.Unsubscribe
	open   bool
}

// NewController wires a controller; call Open to start it. tracker may be
// nil.
func NewController(cfg ControllerConfig, client *Client, router *events.Router, state StateSource,
	backend Backend, alerter ui.Alerter, tracker ActiveTracker, logger zerolog.Logger) *Controller {
	logger = logger.With().
		Str(logging.FieldComponent, "chat").
		Str(logging.FieldConversationID, cfg.ConversationID).
		Logger()

	return &Controller{
		cfg:      cfg,
		client:   client,
		router:   router,
		state:    state,
		backend:  backend,
		alerter:  alerter,
		tracker:  tracker,
		logger:   logger,
		session:  NewSession(client, cfg.ConversationID, cfg.TypingTimeout),
		timeline: NewTimeline(),
		updates:  events.NewEmitter[struct{}]("chat_updates", logger),
		typing:   make(map[string]bool),
		readBy:   make(map[string]time.Time),
	}
}

// Open loads history, subscribes to the conversation's channels, joins and
// marks the conversation read. A history failure is logged and the screen
// opens empty.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()

	if history, err := c.backend.Messages(ctx, c.cfg.ConversationID); err != nil {
		c.logger.Warn().Err(err).Msg("load history failed")
	} else {
		c.timeline.Load(history)
	}

	unsubs := []events.Unsubscribe{
		c.router.OnMessage(c.handleMessage),
		c.router.OnTyping(c.handleTyping),
		c.router.OnStopTyping(c.handleStopTyping),
		c.router.OnRead(c.handleRead),
		c.state.OnStateChange(c.handleState),
	}
	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()

	if c.tracker != nil {
		c.tracker.SetActiveConversation(c.cfg.ConversationID)
	}

	c.session.Join()
	c.client.MarkAsRead(c.cfg.ConversationID)
	c.changed()
}

// Close leaves the conversation and drops every subscription. Leave is
// attempted even when disconnected.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if c.tracker != nil {
		c.tracker.SetActiveConversation("")
	}
	c.session.Close()
}

// Input forwards composer changes to the typing state machine.
func (c *Controller) Input(content string) {
	c.session.Input(content)
}

// Send inserts an optimistic message, then emits it over the realtime link
// or, when the link is down, posts it to the REST backend. A failed fallback
// removes the optimistic message and shows an error; it is not retried.
func (c *Controller) Send(ctx context.Context, content string) (protocol.Message, error) {
	if err := ValidateContent(content); err != nil {
		return protocol.Message{}, err
	}

	me := c.cfg.Me
	temp := protocol.Message{
		ID:             protocol.TempID(time.Now()),
		ConversationID: c.cfg.ConversationID,
		SenderID:       me.ID,
		Content:        content,
		MessageType:    protocol.MessageText,
		CreatedAt:      time.Now().UTC(),
		Sender:         &me,
	}
	c.timeline.AddOptimistic(temp)
	c.session.StopTyping()
	c.changed()

	if c.client.SendMessage(c.cfg.ConversationID, content, protocol.MessageText) {
		metrics.MessagesTotal.WithLabelValues("realtime").Inc()
		return temp, nil
	}

	confirmed, err := c.backend.SendMessage(ctx, c.cfg.ConversationID, content, protocol.MessageText)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		c.timeline.Remove(temp.ID)
		c.changed()
		c.logger.Warn().Err(err).Msg("fallback send failed")
		c.alerter.Show(ui.Alert{
			Title:   "Message not sent",
			Message: "Your message could not be delivered. Please try again.",
			Dismiss: &ui.Action{Label: "OK"},
		})
		return protocol.Message{}, fmt.Errorf("conversation: send: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("fallback").Inc()
	c.timeline.Confirm(temp.ID, confirmed)
	c.changed()
	return confirmed, nil
}

// Messages returns the current timeline.
func (c *Controller) Messages() []protocol.Message {
	return c.timeline.Messages()
}

// Typing returns the remote users currently typing, sorted.
func (c *Controller) Typing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.typing))
	for u := range c.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ReadAt returns when userID last read the conversation.
func (c *Controller) ReadAt(userID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.readBy[userID]
	return t, ok
}

// Session exposes the membership/typing state machine.
func (c *Controller) Session() *Session { return c.session }

// OnUpdate subscribes to any change of the screen state.
func (c *Controller) OnUpdate(fn func()) events.Unsubscribe {
	return c.updates.On(func(struct{}) { fn() })
}

func (c *Controller) changed() {
	c.updates.Emit(struct{}{})
}

// ---------------------------------------------------------------------------
// Inbound handlers
// ---------------------------------------------------------------------------

func (c *Controller) handleMessage(ev protocol.NewMessage) {
	m := ev.Message
	if m.ConversationID != c.cfg.ConversationID {
		return
	}
	if !c.timeline.Receive(m) {
		return
	}

	if m.SenderID != c.cfg.Me.ID {
		c.mu.Lock()
		delete(c.typing, m.SenderID)
		c.mu.Unlock()
		c.client.MarkAsRead(c.cfg.ConversationID)
	}
	c.changed()
}

func (c *Controller) handleTyping(ev protocol.Typing) {
	if ev.ConversationID != c.cfg.ConversationID || ev.UserID == c.cfg.Me.ID {
		return
	}
	c.mu.Lock()
	c.typing[ev.UserID] = true
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) handleStopTyping(ev protocol.StopTyping) {
	if ev.ConversationID != c.cfg.ConversationID {
		return
	}
	c.mu.Lock()
	delete(c.typing, ev.UserID)
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) handleRead(ev protocol.ReadReceipt) {
	if ev.ConversationID != c.cfg.ConversationID || ev.ReadBy == c.cfg.Me.ID {
		return
	}
	c.mu.Lock()
	c.readBy[ev.ReadBy] = time.Now()
	c.mu.Unlock()
	c.changed()
}

// handleState restores membership after a reconnect; the server forgets
// rooms when a session ends.
func (c *Controller) handleState(connected bool) {
	if !connected {
		c.mu.Lock()
		c.typing = make(map[string]bool)
		c.mu.Unlock()
		c.changed()
		return
	}
	if c.session.State() == Joined {
		c.session.Join()
		c.client.MarkAsRead(c.cfg.ConversationID)
	}
}
