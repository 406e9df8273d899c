package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test: Frame encoding round-trip for a send_message frame
// ---------------------------------------------------------------------------

func TestNewFrame_SendMessage(t *testing.T) {
	data, err := NewFrame(EventSendMessage, SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "Hello!",
		MessageType:    MessageText,
	})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "send_message", raw["event"])

	payload, ok := raw["data"].(map[string]interface{})
	require.True(t, ok, "data should be an object, got %T", raw["data"])
	assert.Equal(t, "conv-1", payload["conversationId"])
	assert.Equal(t, "Hello!", payload["content"])
	assert.Equal(t, "TEXT", payload["messageType"])
}

// ---------------------------------------------------------------------------
// Test: join/leave/mark_as_read carry the bare conversation id
// ---------------------------------------------------------------------------

func TestNewFrame_BareConversationID(t *testing.T) {
	data, err := NewFrame(EventJoinConversation, "conv-9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join_conversation","data":"conv-9"}`, string(data))
}

func TestNewFrame_NilPayload(t *testing.T) {
	data, err := NewFrame(EventConnect, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"connect"}`, string(data))
}

// ---------------------------------------------------------------------------
// Test: ParseFrame rejects malformed input
// ---------------------------------------------------------------------------

func TestParseFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `not json at all`},
		{"missing event", `{"data":"x"}`},
		{"empty event", `{"event":"","data":"x"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tc.input))
			assert.Error(t, err)
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Decode produces the tagged union for each inbound event
// ---------------------------------------------------------------------------

func TestDecode_NewMessage(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"new_message","data":{"message":{
		"id":"m1","conversationId":"c1","senderId":"u2","content":"hi",
		"messageType":"TEXT","createdAt":"2024-05-01T10:00:00Z",
		"sender":{"id":"u2","fullName":"Ana Electric"}}}}`))
	require.NoError(t, err)

	ev, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, KindChatMessage, ev.Kind())

	nm, ok := ev.(NewMessage)
	require.True(t, ok, "expected NewMessage, got %T", ev)
	assert.Equal(t, "m1", nm.Message.ID)
	assert.Equal(t, "c1", nm.Message.ConversationID)
	assert.Equal(t, MessageText, nm.Message.MessageType)
	require.NotNil(t, nm.Message.Sender)
	assert.Equal(t, "Ana Electric", nm.Message.Sender.FullName)
	assert.False(t, nm.Message.IsTemporary())
}

func TestDecode_TypingAndRead(t *testing.T) {
	ev, err := Decode(Frame{Event: EventUserTyping, Data: json.RawMessage(`{"conversationId":"c1","userId":"u2"}`)})
	require.NoError(t, err)
	assert.Equal(t, Typing{ConversationID: "c1", UserID: "u2"}, ev)

	ev, err = Decode(Frame{Event: EventUserStoppedTyping, Data: json.RawMessage(`{"conversationId":"c1","userId":"u2"}`)})
	require.NoError(t, err)
	assert.Equal(t, KindStopTyping, ev.Kind())

	ev, err = Decode(Frame{Event: EventMessagesRead, Data: json.RawMessage(`{"conversationId":"c1","readBy":"u3"}`)})
	require.NoError(t, err)
	assert.Equal(t, ReadReceipt{ConversationID: "c1", ReadBy: "u3"}, ev)
}

func TestDecode_BidNotificationFillsType(t *testing.T) {
	ev, err := Decode(Frame{
		Event: EventBidAccepted,
		Data:  json.RawMessage(`{"bidId":"b1","jobPostId":"j1","amount":120.5,"message":"Your bid was accepted"}`),
	})
	require.NoError(t, err)

	bid, ok := ev.(BidNotification)
	require.True(t, ok)
	assert.Equal(t, EventBidAccepted, bid.Type)
	assert.Equal(t, KindBidAccepted, bid.Kind())
	require.NotNil(t, bid.Amount)
	assert.InDelta(t, 120.5, *bid.Amount, 0.001)
}

func TestDecode_NewJobAvailableIsRetagged(t *testing.T) {
	ev, err := Decode(Frame{
		Event: EventNewJobAvailable,
		Data:  json.RawMessage(`{"jobId":"j7","title":"Rewire kitchen","createdBy":"u9"}`),
	})
	require.NoError(t, err)

	n, ok := ev.(Notification)
	require.True(t, ok)
	assert.Equal(t, EventNewJobAvailable, n.Type)
	assert.Equal(t, KindNewJobAvailable, n.Kind())
	assert.Equal(t, "j7", n.JobID)
	assert.Equal(t, "u9", n.Actor())
	assert.NotEmpty(t, n.Raw)
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, err := Decode(Frame{Event: "server_restart"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecode_MalformedPayload(t *testing.T) {
	_, err := Decode(Frame{Event: EventUserTyping, Data: json.RawMessage(`"not an object"`)})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Test: Attribution picks the first populated actor key
// ---------------------------------------------------------------------------

func TestAttribution_Actor(t *testing.T) {
	assert.Equal(t, "a", Attribution{ActorID: "a", SenderID: "s", CreatedBy: "c"}.Actor())
	assert.Equal(t, "s", Attribution{SenderID: "s", CreatedBy: "c"}.Actor())
	assert.Equal(t, "c", Attribution{CreatedBy: "c"}.Actor())
	assert.Empty(t, Attribution{}.Actor())
}

func TestTempID(t *testing.T) {
	id := TempID(time.Unix(0, 42))
	assert.Equal(t, "temp-42", id)
	assert.True(t, Message{ID: id}.IsTemporary())
}
