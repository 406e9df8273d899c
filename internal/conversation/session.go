package conversation

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long after the last keystroke stop_typing is
// sent automatically.
const DefaultTypingTimeout = 2 * time.Second

// State is the membership state of a Session.
type State int

const (
	Unjoined State = iota
	Joined
)

func (s State) String() string {
	if s == Joined {
		return "JOINED"
	}
	return "UNJOINED"
}

// Session tracks one open conversation screen: membership and the local
// typing indicator. Each Session owns its own expiry timer, so several may
// be open at once.
type Session struct {
	client         *Client
	conversationID string
	typingTimeout  time.Duration

	mu       sync.Mutex
	state    State
	typing   bool
	timer    *time.Timer
	timerSeq uint64
}

// NewSession creates an unjoined session. A zero timeout uses
// DefaultTypingTimeout.
func NewSession(client *Client, conversationID string, typingTimeout time.Duration) *Session {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Session{
		client:         client,
		conversationID: conversationID,
		typingTimeout:  typingTimeout,
	}
}

func (s *Session) ConversationID() string { return s.conversationID }

// Join emits join_conversation and marks the session joined. Calling it
// again re-sends the join, which is how membership is restored after a
// reconnect.
func (s *Session) Join() {
	s.mu.Lock()
	s.state = Joined
	s.mu.Unlock()

	s.client.JoinConversation(s.conversationID)
}

// Leave stops typing and emits leave_conversation. It is always attempted,
// connected or not.
func (s *Session) Leave() {
	s.StopTyping()

	s.mu.Lock()
	s.state = Unjoined
	s.mu.Unlock()

	s.client.LeaveConversation(s.conversationID)
}

// State returns the membership state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsTyping reports whether the local typing indicator is on.
func (s *Session) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Input feeds the current composer content. Non-empty content emits typing
// right away and restarts the expiry timer; empty content stops typing.
// Whitespace counts as content.
func (s *Session) Input(content string) {
	if content == "" {
		s.StopTyping()
		return
	}

	s.mu.Lock()
	s.typing = true
	s.resetTimerLocked()
	s.mu.Unlock()

	s.client.SendTyping(s.conversationID)
}

// StopTyping cancels the expiry timer and emits stop_typing.
func (s *Session) StopTyping() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.typing = false
	s.mu.Unlock()

	s.client.SendStopTyping(s.conversationID)
}

// Close leaves the conversation. The session must not be reused.
func (s *Session) Close() {
	s.Leave()
}

func (s *Session) resetTimerLocked() {
	s.cancelTimerLocked()
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.typingTimeout, func() { s.expire(seq) })
}

func (s *Session) cancelTimerLocked() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// expire fires stop_typing unless the timer was restarted or cancelled after
// it was armed.
func (s *Session) expire(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.typing = false
	s.mu.Unlock()

	s.client.SendStopTyping(s.conversationID)
}
