package devserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwork/messaging/internal/messaging"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/transport"
)

// startBridge serves the NATS bridge against a local NATS server, skipping
// the test when none is running.
func startBridge(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := messaging.DefaultNATSConfig()
	cfg.Name = "devserver-test"
	cfg.MaxReconnects = 0
	client, err := messaging.NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available at %s: %v", cfg.URL, err)
	}

	s, _ := startServer(t)
	require.NoError(t, s.ServeNATS(client))
	t.Cleanup(client.Close)
	return s, cfg.URL
}

func TestBridge_HandshakeAndRelay(t *testing.T) {
	s, natsURL := startBridge(t)
	d := transport.NATSDialer{URL: natsURL, Logger: zerolog.Nop()}

	alice := dial(t, d, "", "alice")
	bob := dial(t, d, "", "bob")
	require.Equal(t, 2, s.PeerCount())

	send(t, alice, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventJoinConversation, "c1")
	require.Eventually(t, roomSize(s, "c1"), waitFor, tick)

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{ConversationID: "c1", Content: "over nats"})

	f := awaitFrame(t, bob, protocol.EventNewMessage)
	var nm protocol.NewMessage
	require.NoError(t, json.Unmarshal(f.Data, &nm))
	assert.Equal(t, "over nats", nm.Message.Content)
	assert.Equal(t, "alice", nm.Message.SenderID)
}

func TestBridge_RejectsBadToken(t *testing.T) {
	_, natsURL := startBridge(t)
	d := transport.NATSDialer{URL: natsURL, Logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := d.Dial(ctx, "", "not-a-token")
	assert.ErrorIs(t, err, transport.ErrRejected)
}

func TestBridge_CloseAnnouncesDisconnect(t *testing.T) {
	s, natsURL := startBridge(t)
	d := transport.NATSDialer{URL: natsURL, Logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tr, err := d.Dial(ctx, "", token(t, "alice"))
	require.NoError(t, err)
	require.Equal(t, 1, s.PeerCount())

	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return s.PeerCount() == 0 }, waitFor, tick)
}

func TestBridge_NotifySubject(t *testing.T) {
	_, natsURL := startBridge(t)
	d := transport.NATSDialer{URL: natsURL, Logger: zerolog.Nop()}
	bob := dial(t, d, "", "bob")

	cfg := messaging.DefaultNATSConfig()
	cfg.URL = natsURL
	cfg.Name = "backend-test"
	backend, err := messaging.NewNATSClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.PublishNotify(messaging.NotifyRequest{
		UserID: "bob",
		Event:  protocol.EventNewReview,
		Data:   json.RawMessage(`{"reviewId":"r1","rating":5}`),
	}))

	f := awaitFrame(t, bob, protocol.EventNewReview)
	assert.Contains(t, string(f.Data), "r1")
}
