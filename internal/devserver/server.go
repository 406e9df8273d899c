// Package devserver is a self-contained realtime server that speaks the
// voltwork wire protocol over WebSocket, HTTP long-polling and NATS. It keeps
// conversation rooms and recent history in memory, relays typing and read
// signals, and can push notifications to users. It backs local development,
// the headless client and the transport integration tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/conversation"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/transport"
)

// Config holds tunable parameters for the dev server.
type Config struct {
	Address           string        // address to listen on, e.g. ":8090"
	Secret            []byte        // HS256 key for session tokens
	HeartbeatInterval time.Duration // how often peers are checked
	HeartbeatTimeout  time.Duration // grace on top of the interval before eviction
	PollTimeout       time.Duration // how long a long-poll is held open
	HandshakeTimeout  time.Duration // time a new WebSocket has to authenticate
	HistorySize       int           // messages kept per conversation
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		Address:           ":8090",
		Secret:            []byte("voltwork-dev-secret"),
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		PollTimeout:       25 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HistorySize:       DefaultHistorySize,
	}
}

// Server owns every peer, room and conversation history.
type Server struct {
	config  Config
	logger  zerolog.Logger
	history *History

	mu           sync.RWMutex
	peers        map[string]*Peer               // session id -> peer
	byUser       map[string]map[string]*Peer    // user id -> session id -> peer
	rooms        map[string]map[string]*Peer    // conversation id -> session id -> peer
	participants map[string]map[string]struct{} // conversation id -> user ids
	pushTokens   map[string]map[string]string   // user id -> token -> platform

	handlers map[string]frameHandler
	nats     *messaging.NATSClient

	httpServer *http.Server
	startedAt  time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a Server with the given configuration.
func New(config Config, logger zerolog.Logger) *Server {
	s := &Server{
		config:       config,
		logger:       logger.With().Str(logging.FieldComponent, "devserver").Logger(),
		history:      NewHistory(config.HistorySize),
		peers:        make(map[string]*Peer),
		byUser:       make(map[string]map[string]*Peer),
		rooms:        make(map[string]map[string]*Peer),
		participants: make(map[string]map[string]struct{}),
		pushTokens:   make(map[string]map[string]string),
		startedAt:    time.Now(),
		done:         make(chan struct{}),
	}
	s.handlers = s.frameHandlers()
	return s
}

// Run serves HTTP on the configured address and runs the heartbeat until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	s.StartHeartbeat()

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Address).Msg("dev server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("devserver: http server error: %w", err)
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	s.Close()
	return <-errc
}

// Close stops the heartbeat and closes every peer. Hijacked WebSocket
// connections are not tracked by http.Server, so they are closed here.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for _, p := range s.allPeers() {
			s.removePeer(p)
		}
		s.logger.Info().Msg("dev server stopped, all peers closed")
	})
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func (s *Server) authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing token")
	}
	claims, err := auth.VerifyToken(s.config.Secret, token)
	if err != nil {
		return "", err
	}
	user := claims.User()
	if user == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// Peer registry
// ---------------------------------------------------------------------------

// newSession creates an unregistered peer for an authenticated user.
func newSession(userID, transportName string) *Peer {
	return newPeer(uuid.New().String(), userID, transportName)
}

// addPeer registers a peer so it can join rooms and receive notifications.
func (s *Server) addPeer(p *Peer) {
	transportName := p.Transport()

	s.mu.Lock()
	s.peers[p.ID] = p
	if s.byUser[p.UserID] == nil {
		s.byUser[p.UserID] = make(map[string]*Peer)
	}
	s.byUser[p.UserID][p.ID] = p
	count := len(s.peers)
	s.mu.Unlock()

	metrics.PeersTotal.WithLabelValues(transportName).Inc()
	s.logger.Info().
		Str("sid", p.ID).
		Str(logging.FieldUserID, p.UserID).
		Str(logging.FieldTransport, transportName).
		Int("total", count).
		Msg("peer connected")
}

// Peer returns the peer for a session id, or nil.
func (s *Server) Peer(sid string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[sid]
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) allPeers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// removePeer drops a peer from every room and closes it. Concurrent removals
// of the same peer are harmless; only the first one has an effect.
func (s *Server) removePeer(p *Peer) {
	s.mu.Lock()
	if _, ok := s.peers[p.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p.ID)
	if sessions := s.byUser[p.UserID]; sessions != nil {
		delete(sessions, p.ID)
		if len(sessions) == 0 {
			delete(s.byUser, p.UserID)
		}
	}
	for conv, members := range s.rooms {
		delete(members, p.ID)
		if len(members) == 0 {
			delete(s.rooms, conv)
		}
	}
	count := len(s.peers)
	s.mu.Unlock()

	transportName := p.Transport()
	p.close()
	if s.nats != nil && transportName == transport.NameNATS {
		_ = s.nats.UnsubscribeSession(p.ID)
	}

	metrics.PeersTotal.WithLabelValues(transportName).Dec()
	s.logger.Info().
		Str("sid", p.ID).
		Str(logging.FieldUserID, p.UserID).
		Int("total", count).
		Msg("peer closed")
}

// upgradePeer moves a polling session onto a WebSocket, acknowledges the
// handshake and flushes what was queued for the session.
func (s *Server) upgradePeer(p *Peer, conn net.Conn, ack []byte) error {
	from := p.Transport()
	flushed, err := p.attachWebSocket(conn, ack)
	if errors.Is(err, errPeerClosed) {
		return err
	}

	metrics.PeersTotal.WithLabelValues(from).Dec()
	metrics.PeersTotal.WithLabelValues(transport.NameWebSocket).Inc()
	s.logger.Info().
		Str("sid", p.ID).
		Str("from", from).
		Str("to", transport.NameWebSocket).
		Int("flushed", flushed).
		Msg("peer upgraded")
	return err
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Server) join(p *Peer, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[conversationID] == nil {
		s.rooms[conversationID] = make(map[string]*Peer)
	}
	s.rooms[conversationID][p.ID] = p
	s.addParticipantLocked(conversationID, p.UserID)
}

func (s *Server) leave(p *Peer, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members := s.rooms[conversationID]; members != nil {
		delete(members, p.ID)
		if len(members) == 0 {
			delete(s.rooms, conversationID)
		}
	}
}

func (s *Server) addParticipantLocked(conversationID, userID string) {
	if s.participants[conversationID] == nil {
		s.participants[conversationID] = make(map[string]struct{})
	}
	s.participants[conversationID][userID] = struct{}{}
}

// roomPeers returns the peers joined to a conversation.
func (s *Server) roomPeers(conversationID string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.rooms[conversationID]
	out := make([]*Peer, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	return out
}

// absentParticipants returns participants of a conversation, other than
// except, with no session joined to it.
func (s *Server) absentParticipants(conversationID, except string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	present := make(map[string]bool)
	for _, p := range s.rooms[conversationID] {
		present[p.UserID] = true
	}
	var out []string
	for user := range s.participants[conversationID] {
		if user != except && !present[user] {
			out = append(out, user)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// deliver sends one frame to each peer. Peers whose transport fails are
// removed.
func (s *Server) deliver(event string, data []byte, peers []*Peer) int {
	n := 0
	for _, p := range peers {
		if err := p.Send(data); err != nil {
			s.logger.Debug().Err(err).Str("sid", p.ID).Str(logging.FieldEvent, event).Msg("deliver failed")
			s.removePeer(p)
			continue
		}
		metrics.FramesRelayed.WithLabelValues(event).Inc()
		n++
	}
	return n
}

// broadcast sends an event to a conversation room. Peers of skipUser are
// left out when skipUser is set.
func (s *Server) broadcast(conversationID, event string, payload interface{}, skipUser string) {
	data, err := protocol.NewFrame(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str(logging.FieldEvent, event).Msg("build frame")
		return
	}

	peers := s.roomPeers(conversationID)
	targets := peers[:0]
	for _, p := range peers {
		if skipUser == "" || p.UserID != skipUser {
			targets = append(targets, p)
		}
	}
	s.deliver(event, data, targets)
}

// Notify pushes an event to every session of a user and returns how many
// sessions received it.
func (s *Server) Notify(userID, event string, payload interface{}) (int, error) {
	data, err := protocol.NewFrame(event, payload)
	if err != nil {
		return 0, err
	}
	return s.notifyFrame(userID, event, data), nil
}

// NotifyRaw is Notify with an already encoded payload.
func (s *Server) NotifyRaw(userID, event string, payload json.RawMessage) int {
	data, err := json.Marshal(protocol.Frame{Event: event, Data: payload})
	if err != nil {
		return 0
	}
	return s.notifyFrame(userID, event, data)
}

func (s *Server) notifyFrame(userID, event string, data []byte) int {
	s.mu.RLock()
	sessions := make([]*Peer, 0, len(s.byUser[userID]))
	for _, p := range s.byUser[userID] {
		sessions = append(sessions, p)
	}
	s.mu.RUnlock()

	n := s.deliver(event, data, sessions)
	s.logger.Debug().
		Str(logging.FieldUserID, userID).
		Str(logging.FieldEvent, event).
		Int("sessions", n).
		Msg("notify")
	return n
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// PostMessage stores a message and echoes new_message to the whole room,
// the sender's own sessions included. Participants with no session in the
// room get a message notification instead.
func (s *Server) PostMessage(userID, conversationID, content string, messageType protocol.MessageType) (protocol.Message, error) {
	if conversationID == "" {
		return protocol.Message{}, fmt.Errorf("missing conversation id")
	}
	if err := conversation.ValidateContent(content); err != nil {
		return protocol.Message{}, err
	}
	if messageType == "" {
		messageType = protocol.MessageText
	}

	msg := protocol.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      time.Now().UTC(),
		Sender:         &protocol.Sender{ID: userID, FullName: userID},
	}
	s.history.Add(conversationID, msg)

	s.mu.Lock()
	s.addParticipantLocked(conversationID, userID)
	s.mu.Unlock()

	s.broadcast(conversationID, protocol.EventNewMessage, protocol.NewMessage{Message: msg}, "")

	for _, user := range s.absentParticipants(conversationID, userID) {
		_, _ = s.Notify(user, protocol.EventNotification, protocol.Notification{
			Type:           "message",
			ConversationID: conversationID,
			SenderName:     userID,
			Preview:        preview(content),
			Attribution:    protocol.Attribution{SenderID: userID},
		})
	}
	return msg, nil
}

// Messages returns a conversation's retained history, oldest first.
func (s *Server) Messages(conversationID string) []protocol.Message {
	return s.history.Get(conversationID)
}

// RegisterPushToken records a device token for a user.
func (s *Server) RegisterPushToken(userID, token, platform string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushTokens[userID] == nil {
		s.pushTokens[userID] = make(map[string]string)
	}
	s.pushTokens[userID][token] = platform
}

// PushTokens returns the tokens registered for a user.
func (s *Server) PushTokens(userID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.pushTokens[userID]))
	for k, v := range s.pushTokens[userID] {
		out[k] = v
	}
	return out
}

func preview(content string) string {
	const max = 80
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "…"
}
