package devserver

import (
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/transport"
)

// ServeNATS bridges NATS clients into the server. Handshakes arrive as
// requests on realtime.connect; each session then exchanges frames on its
// inbox and outbox subjects. Backends may publish on realtime.notify to push
// an event to a user.
func (s *Server) ServeNATS(client *messaging.NATSClient) error {
	if client == nil {
		return errors.New("devserver: nil nats client")
	}
	s.nats = client

	if err := client.Subscribe("connect", messaging.SubjectConnect, s.handleNATSConnect); err != nil {
		return err
	}
	if err := client.Subscribe("notify", messaging.SubjectNotify, s.handleNATSNotify); err != nil {
		return err
	}
	s.logger.Info().Msg("nats bridge started")
	return nil
}

func (s *Server) handleNATSConnect(msg *nats.Msg) {
	var req messaging.ConnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondNATS(msg, messaging.ConnectReply{Error: "invalid connect request"})
		return
	}

	userID, err := s.authenticate(req.Token)
	if err != nil {
		s.respondNATS(msg, messaging.ConnectReply{Error: err.Error()})
		return
	}

	p := newSession(userID, transport.NameNATS)
	inbox := messaging.InboxSubject(p.ID)
	p.publish = func(frame []byte) error {
		return s.nats.Publish(inbox, frame)
	}

	// The outbox is live before the client learns its session id.
	if err := s.nats.SubscribeSession(p.ID, func(data []byte) {
		s.Dispatch(p, data)
	}); err != nil {
		s.logger.Error().Err(err).Str("sid", p.ID).Msg("subscribe session outbox")
		s.respondNATS(msg, messaging.ConnectReply{Error: "session unavailable"})
		return
	}
	s.addPeer(p)

	s.respondNATS(msg, messaging.ConnectReply{OK: true, SessionID: p.ID, UserID: userID})
}

func (s *Server) respondNATS(msg *nats.Msg, reply messaging.ConnectReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn().Err(err).Msg("nats connect reply")
	}
}

func (s *Server) handleNATSNotify(msg *nats.Msg) {
	var req messaging.NotifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserID == "" || req.Event == "" {
		s.logger.Debug().Msg("invalid notify request")
		return
	}
	n := s.NotifyRaw(req.UserID, req.Event, req.Data)
	s.logger.Debug().
		Str(logging.FieldUserID, req.UserID).
		Str(logging.FieldEvent, req.Event).
		Int("delivered", n).
		Msg("nats notify")
}
