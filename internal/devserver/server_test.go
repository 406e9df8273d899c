package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Secret = testSecret
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.HeartbeatInterval = 0

	s := New(cfg, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts.URL
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, userID, "citizen", time.Hour)
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, d transport.Dialer, url, userID string) transport.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	tr, err := d.Dial(ctx, url, token(t, userID))
	require.NoError(t, err)
	require.NotEmpty(t, tr.SessionID())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func send(t *testing.T, tr transport.Transport, event string, payload interface{}) {
	t.Helper()
	frame, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, tr.Send(frame))
}

// nextFrame returns the next frame received on tr.
func nextFrame(t *testing.T, tr transport.Transport) protocol.Frame {
	t.Helper()
	return awaitFrame(t, tr, "")
}

// awaitFrame reads frames until one carries event. An empty event matches
// the first frame.
func awaitFrame(t *testing.T, tr transport.Transport, event string) protocol.Frame {
	t.Helper()

	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			data, err := tr.Receive()
			if err != nil {
				ch <- result{err: err}
				return
			}
			f, err := protocol.ParseFrame(data)
			if err == nil && (event == "" || f.Event == event) {
				ch <- result{f: f}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %q", event)
		return protocol.Frame{}
	}
}

func roomSize(s *Server, conversationID string) func() bool {
	return func() bool { return len(s.roomPeers(conversationID)) == 2 }
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

func TestPolling_SendMessageEchoesToRoom(t *testing.T) {
	s, url := startServer(t)
	alice := dial(t, transport.PollingDialer{}, url, "alice")
	bob := dial(t, transport.PollingDialer{}, url, "bob")

	send(t, alice, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventJoinConversation, "c1")
	require.True(t, roomSize(s, "c1")())

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{
		ConversationID: "c1",
		Content:        "hello",
		MessageType:    protocol.MessageText,
	})

	for _, tr := range []transport.Transport{alice, bob} {
		f := awaitFrame(t, tr, protocol.EventNewMessage)
		var nm protocol.NewMessage
		require.NoError(t, json.Unmarshal(f.Data, &nm))
		assert.Equal(t, "c1", nm.Message.ConversationID)
		assert.Equal(t, "alice", nm.Message.SenderID)
		assert.Equal(t, "hello", nm.Message.Content)
		assert.False(t, nm.Message.IsTemporary())
	}

	assert.Len(t, s.Messages("c1"), 1)
}

func TestPolling_RejectsBadToken(t *testing.T) {
	s, url := startServer(t)

	_, err := transport.PollingDialer{}.Dial(context.Background(), url, "not-a-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrRejected))
	assert.Equal(t, 0, s.PeerCount())
}

func TestPolling_DisconnectFrameRemovesPeer(t *testing.T) {
	s, url := startServer(t)
	tr := dial(t, transport.PollingDialer{}, url, "alice")
	require.Equal(t, 1, s.PeerCount())

	send(t, tr, protocol.EventDisconnect, nil)
	assert.Equal(t, 0, s.PeerCount())

	err := tr.Send([]byte(`{"event":"typing","data":"c1"}`))
	assert.ErrorIs(t, err, transport.ErrSessionGone)
}

func TestPolling_CloseRemovesPeer(t *testing.T) {
	s, url := startServer(t)
	tr := dial(t, transport.PollingDialer{}, url, "alice")
	require.Equal(t, 1, s.PeerCount())

	require.NoError(t, tr.Close())
	assert.Equal(t, 0, s.PeerCount())
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func TestWebSocket_TypingSkipsSender(t *testing.T) {
	s, url := startServer(t)
	alice := dial(t, transport.WebSocketDialer{}, url, "alice")
	bob := dial(t, transport.WebSocketDialer{}, url, "bob")

	send(t, alice, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventJoinConversation, "c1")
	require.Eventually(t, roomSize(s, "c1"), waitFor, tick)

	send(t, alice, protocol.EventTyping, "c1")
	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{ConversationID: "c1", Content: "hi"})

	f := nextFrame(t, bob)
	require.Equal(t, protocol.EventUserTyping, f.Event)
	var typing protocol.Typing
	require.NoError(t, json.Unmarshal(f.Data, &typing))
	assert.Equal(t, protocol.Typing{ConversationID: "c1", UserID: "alice"}, typing)

	// The sender's first frame is the message echo, not its own typing.
	assert.Equal(t, protocol.EventNewMessage, nextFrame(t, alice).Event)
	assert.Equal(t, protocol.EventNewMessage, nextFrame(t, bob).Event)
}

func TestWebSocket_ReadReceiptAndStopTyping(t *testing.T) {
	s, url := startServer(t)
	alice := dial(t, transport.WebSocketDialer{}, url, "alice")
	bob := dial(t, transport.WebSocketDialer{}, url, "bob")

	send(t, alice, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventJoinConversation, "c1")
	require.Eventually(t, roomSize(s, "c1"), waitFor, tick)

	send(t, bob, protocol.EventMarkAsRead, "c1")
	f := nextFrame(t, alice)
	require.Equal(t, protocol.EventMessagesRead, f.Event)
	var receipt protocol.ReadReceipt
	require.NoError(t, json.Unmarshal(f.Data, &receipt))
	assert.Equal(t, "bob", receipt.ReadBy)

	send(t, bob, protocol.EventStopTyping, map[string]string{"conversationId": "c1"})
	assert.Equal(t, protocol.EventUserStoppedTyping, nextFrame(t, alice).Event)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	_, url := startServer(t)

	_, err := transport.WebSocketDialer{}.Dial(context.Background(), url, "not-a-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrRejected))
}

func TestWebSocket_CloseRemovesPeer(t *testing.T) {
	s, url := startServer(t)
	tr := dial(t, transport.WebSocketDialer{}, url, "alice")
	require.Eventually(t, func() bool { return s.PeerCount() == 1 }, waitFor, tick)

	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return s.PeerCount() == 0 }, waitFor, tick)
}

// ---------------------------------------------------------------------------
// Upgrade
// ---------------------------------------------------------------------------

func TestUpgrade_MovesPollingSessionAndFlushesQueue(t *testing.T) {
	s, url := startServer(t)
	poll := dial(t, transport.PollingDialer{}, url, "alice")
	sid := poll.SessionID()

	n, err := s.Notify("alice", protocol.EventNotification, protocol.Notification{Type: "new_job", Title: "queued"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ws, err := transport.WebSocketDialer{}.Upgrade(ctx, url, token(t, "alice"), sid)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, sid, ws.SessionID())
	assert.Equal(t, transport.NameWebSocket, s.Peer(sid).Transport())

	f := nextFrame(t, ws)
	require.Equal(t, protocol.EventNotification, f.Event)
	assert.Contains(t, string(f.Data), "queued")

	// The old link is retired without ending the session.
	_, err = poll.Receive()
	assert.ErrorIs(t, err, transport.ErrSessionGone)
	require.NoError(t, poll.Close())
	assert.Equal(t, 1, s.PeerCount())

	send(t, ws, protocol.EventJoinConversation, "c1")
	require.Eventually(t, func() bool { return len(s.roomPeers("c1")) == 1 }, waitFor, tick)
}

func TestUpgrade_RejectsForeignSession(t *testing.T) {
	s, url := startServer(t)
	poll := dial(t, transport.PollingDialer{}, url, "alice")

	_, err := transport.WebSocketDialer{}.Upgrade(context.Background(), url, token(t, "mallory"), poll.SessionID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrRejected))
	assert.Equal(t, transport.NamePolling, s.Peer(poll.SessionID()).Transport())
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func TestPostMessage_NotifiesAbsentParticipants(t *testing.T) {
	_, url := startServer(t)
	alice := dial(t, transport.PollingDialer{}, url, "alice")
	bob := dial(t, transport.PollingDialer{}, url, "bob")

	send(t, alice, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventJoinConversation, "c1")
	send(t, bob, protocol.EventLeaveConversation, "c1")

	send(t, alice, protocol.EventSendMessage, protocol.SendMessagePayload{ConversationID: "c1", Content: "are you there?"})

	f := nextFrame(t, bob)
	require.Equal(t, protocol.EventNotification, f.Event)
	var n protocol.Notification
	require.NoError(t, json.Unmarshal(f.Data, &n))
	assert.Equal(t, "message", n.Type)
	assert.Equal(t, "c1", n.ConversationID)
	assert.Equal(t, "alice", n.Actor())
	assert.Equal(t, "are you there?", n.Preview)
}

func TestPostMessage_RejectsEmptyContent(t *testing.T) {
	s, _ := startServer(t)

	_, err := s.PostMessage("alice", "c1", "   ", protocol.MessageText)
	assert.Error(t, err)
	_, err = s.PostMessage("alice", "", "hello", protocol.MessageText)
	assert.Error(t, err)
	assert.Empty(t, s.Messages("c1"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))

	long := bytes.Repeat([]byte("a"), 100)
	got := preview(string(long))
	assert.Equal(t, 81, len([]rune(got)))
	assert.Equal(t, "…", string([]rune(got)[80:]))
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat_EvictsIdlePollingPeers(t *testing.T) {
	s, url := startServer(t)
	dial(t, transport.PollingDialer{}, url, "alice")
	dial(t, transport.WebSocketDialer{}, url, "bob")
	require.Eventually(t, func() bool { return s.PeerCount() == 2 }, waitFor, tick)

	s.checkPeers(time.Now())
	assert.Equal(t, 2, s.PeerCount())

	s.checkPeers(time.Now().Add(time.Hour))
	assert.Equal(t, 1, s.PeerCount(), "the websocket peer answers pings and stays")
}

// ---------------------------------------------------------------------------
// Dispatch helpers
// ---------------------------------------------------------------------------

func TestConversationID(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"bare string", `"c1"`, "c1", false},
		{"object", `{"conversationId":"c2"}`, "c2", false},
		{"blank string", `"  "`, "", true},
		{"object without id", `{}`, "", true},
		{"number", `42`, "", true},
		{"missing", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := conversationID(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

func do(t *testing.T, method, url, tok string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestREST_Messages(t *testing.T) {
	_, url := startServer(t)
	tok := token(t, "alice")

	resp := do(t, http.MethodPost, url+"/api/conversations/c1/messages", tok, map[string]string{"content": "via rest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created protocol.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, protocol.MessageText, created.MessageType)

	resp = do(t, http.MethodGet, url+"/api/conversations/c1/messages", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []protocol.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp = do(t, http.MethodPost, url+"/api/conversations/c1/messages", tok, map[string]string{"content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_RequiresAuth(t *testing.T) {
	_, url := startServer(t)

	resp := do(t, http.MethodGet, url+"/api/conversations/c1/messages", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, url+"/api/conversations/c1/messages", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_PushTokens(t *testing.T) {
	s, url := startServer(t)

	resp := do(t, http.MethodPost, url+"/api/push-tokens", token(t, "alice"), map[string]string{"token": "dev-1", "platform": "ios"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, map[string]string{"dev-1": "ios"}, s.PushTokens("alice"))

	resp = do(t, http.MethodPost, url+"/api/push-tokens", token(t, "alice"), map[string]string{"platform": "ios"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_NotifyReachesEverySession(t *testing.T) {
	_, url := startServer(t)
	first := dial(t, transport.PollingDialer{}, url, "bob")
	second := dial(t, transport.WebSocketDialer{}, url, "bob")
	require.NotEqual(t, first.SessionID(), second.SessionID())

	resp := do(t, http.MethodPost, url+"/api/notify", token(t, "backend"), map[string]interface{}{
		"userId": "bob",
		"event":  protocol.EventBidReceived,
		"data":   map[string]interface{}{"bidId": "b1", "jobPostId": "j1", "message": "new bid"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Delivered)

	assert.Equal(t, protocol.EventBidReceived, nextFrame(t, first).Event)
	assert.Equal(t, protocol.EventBidReceived, nextFrame(t, second).Event)
}

func TestHealth(t *testing.T) {
	_, url := startServer(t)

	resp := do(t, http.MethodGet, url+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["peers"])
}
