package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/protocol"
)

// NATSDialer connects through a NATS server bridged by the realtime server.
// The handshake is a request on realtime.connect; frames then flow on the
// session's inbox and outbox subjects. baseURL passed to Dial is ignored in
// favour of URL.
type NATSDialer struct {
	URL    string
	Logger zerolog.Logger
}

func (d NATSDialer) Name() string { return NameNATS }

func (d NATSDialer) Dial(ctx context.Context, _ string, token string) (Transport, error) {
	t := &natsTransport{
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}

	cfg := messaging.DefaultNATSConfig()
	if d.URL != "" {
		cfg.URL = d.URL
	}
	cfg.Name = "voltwork-client"
	cfg.MaxReconnects = 0 // the connection manager owns reconnection
	cfg.OnClosed = t.markDone

	client, err := messaging.NewNATSClient(cfg, d.Logger)
	if err != nil {
		return nil, err
	}
	t.client = client

	req, err := json.Marshal(messaging.ConnectRequest{Token: token})
	if err != nil {
		client.Close()
		return nil, err
	}
	raw, err := client.Request(ctx, messaging.SubjectConnect, req)
	if err != nil {
		client.Close()
		return nil, err
	}

	var reply messaging.ConnectReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		client.Close()
		return nil, fmt.Errorf("nats: decode connect reply: %w", err)
	}
	if !reply.OK {
		client.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	t.sid = reply.SessionID
	t.outbox = messaging.OutboxSubject(reply.SessionID)

	err = client.Subscribe("inbox", messaging.InboxSubject(reply.SessionID), func(msg *nats.Msg) {
		select {
		case t.inbox <- msg.Data:
		case <-t.done:
		}
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return t, nil
}

type natsTransport struct {
	client *messaging.NATSClient
	sid    string
	outbox string

	inbox    chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (t *natsTransport) Name() string      { return NameNATS }
func (t *natsTransport) SessionID() string { return t.sid }

func (t *natsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.client.Publish(t.outbox, frame)
}

func (t *natsTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.done:
		return nil, ErrClosed
	}
}

// Close tells the server the session is over, then drains the connection.
func (t *natsTransport) Close() error {
	select {
	case <-t.done:
	default:
		if bye, err := protocol.NewFrame(protocol.EventDisconnect, nil); err == nil {
			_ = t.client.Publish(t.outbox, bye)
		}
	}
	t.markDone()
	t.client.Close()
	return nil
}

func (t *natsTransport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}
