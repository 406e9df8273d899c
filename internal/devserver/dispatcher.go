package devserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/protocol"
)

// frameHandler handles one client event for a peer.
type frameHandler func(p *Peer, data json.RawMessage) error

// frameHandlers maps every client event to its handler.
func (s *Server) frameHandlers() map[string]frameHandler {
	return map[string]frameHandler{
		protocol.EventSendMessage:       s.handleSendMessage,
		protocol.EventJoinConversation:  s.handleJoin,
		protocol.EventLeaveConversation: s.handleLeave,
		protocol.EventTyping:            s.handleTyping,
		protocol.EventStopTyping:        s.handleStopTyping,
		protocol.EventMarkAsRead:        s.handleMarkAsRead,
		protocol.EventDisconnect: func(p *Peer, _ json.RawMessage) error {
			s.removePeer(p)
			return nil
		},
	}
}

// Dispatch parses a client frame and routes it to its handler. Malformed
// frames and unknown events are logged and dropped; the protocol has no
// error reply for them.
func (s *Server) Dispatch(p *Peer, data []byte) {
	p.touch()

	f, err := protocol.ParseFrame(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("sid", p.ID).Msg("dispatch parse error")
		return
	}

	handler, ok := s.handlers[f.Event]
	if !ok {
		s.logger.Debug().Str("sid", p.ID).Str(logging.FieldEvent, f.Event).Msg("unsupported event")
		return
	}

	if err := handler(p, f.Data); err != nil {
		s.logger.Warn().
			Err(err).
			Str("sid", p.ID).
			Str(logging.FieldUserID, p.UserID).
			Str(logging.FieldEvent, f.Event).
			Msg("handle event")
	}
}

func (s *Server) handleSendMessage(p *Peer, data json.RawMessage) error {
	var req protocol.SendMessagePayload
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode send_message: %w", err)
	}
	_, err := s.PostMessage(p.UserID, req.ConversationID, req.Content, req.MessageType)
	return err
}

func (s *Server) handleJoin(p *Peer, data json.RawMessage) error {
	id, err := conversationID(data)
	if err != nil {
		return err
	}
	s.join(p, id)
	return nil
}

func (s *Server) handleLeave(p *Peer, data json.RawMessage) error {
	id, err := conversationID(data)
	if err != nil {
		return err
	}
	s.leave(p, id)
	return nil
}

func (s *Server) handleTyping(p *Peer, data json.RawMessage) error {
	id, err := conversationID(data)
	if err != nil {
		return err
	}
	s.broadcast(id, protocol.EventUserTyping, protocol.Typing{ConversationID: id, UserID: p.UserID}, p.UserID)
	return nil
}

func (s *Server) handleStopTyping(p *Peer, data json.RawMessage) error {
	id, err := conversationID(data)
	if err != nil {
		return err
	}
	s.broadcast(id, protocol.EventUserStoppedTyping, protocol.StopTyping{ConversationID: id, UserID: p.UserID}, p.UserID)
	return nil
}

func (s *Server) handleMarkAsRead(p *Peer, data json.RawMessage) error {
	id, err := conversationID(data)
	if err != nil {
		return err
	}
	s.broadcast(id, protocol.EventMessagesRead, protocol.ReadReceipt{ConversationID: id, ReadBy: p.UserID}, p.UserID)
	return nil
}

// conversationID accepts either a bare JSON string or an object with a
// conversationId field.
func conversationID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("empty conversation id")
	}

	var obj struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("decode conversation id: %w", err)
	}
	if obj.ConversationID == "" {
		return "", fmt.Errorf("missing conversation id")
	}
	return obj.ConversationID, nil
}
