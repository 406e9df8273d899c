package events

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwork/messaging/internal/protocol"
)

func newTestRouter() *Router {
	return NewRouter(zerolog.Nop())
}

func frame(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)
	return data
}

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

func TestEmitter_RegistrationOrder(t *testing.T) {
	e := NewEmitter[int]("test", zerolog.Nop())

	var order []string
	e.On(func(int) { order = append(order, "a") })
	e.On(func(int) { order = append(order, "b") })
	e.On(func(int) { order = append(order, "c") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestEmitter_PanicIsolation(t *testing.T) {
	e := NewEmitter[string]("test", zerolog.Nop())

	var got []string
	e.On(func(string) { panic("handler A exploded") })
	e.On(func(v string) { got = append(got, "B:"+v) })
	e.On(func(v string) { got = append(got, "C:"+v) })

	assert.NotPanics(t, func() { e.Emit("x") })
	assert.Equal(t, []string{"B:x", "C:x"}, got)
}

func TestEmitter_UnsubscribeRemovesOnlyThatRegistration(t *testing.T) {
	e := NewEmitter[int]("test", zerolog.Nop())

	calls := 0
	handler := func(int) { calls++ }

	unsubFirst := e.On(handler)
	e.On(handler)
	require.Equal(t, 2, e.Len())

	unsubFirst()
	unsubFirst()
	assert.Equal(t, 1, e.Len())

	e.Emit(0)
	assert.Equal(t, 1, calls)
}

func TestEmitter_UnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter[int]("test", zerolog.Nop())

	var unsub Unsubscribe
	first, second := 0, 0
	unsub = e.On(func(int) {
		first++
		unsub()
	})
	e.On(func(int) { second++ })

	e.Emit(1)
	e.Emit(2)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

func TestRouter_DispatchesToTypedChannels(t *testing.T) {
	r := newTestRouter()

	var (
		msg     protocol.NewMessage
		typing  protocol.Typing
		stopped protocol.StopTyping
		read    protocol.ReadReceipt
		bid     protocol.BidNotification
		job     protocol.JobStatusUpdate
		review  protocol.Review
	)
	r.OnMessage(func(m protocol.NewMessage) { msg = m })
	r.OnTyping(func(m protocol.Typing) { typing = m })
	r.OnStopTyping(func(m protocol.StopTyping) { stopped = m })
	r.OnRead(func(m protocol.ReadReceipt) { read = m })
	r.OnBidNotification(func(m protocol.BidNotification) { bid = m })
	r.OnJobStatusUpdate(func(m protocol.JobStatusUpdate) { job = m })
	r.OnNewReview(func(m protocol.Review) { review = m })

	r.HandleRaw(frame(t, protocol.EventNewMessage, map[string]interface{}{
		"message": map[string]string{"id": "m1", "conversationId": "c1", "content": "hey"},
	}))
	r.HandleRaw(frame(t, protocol.EventUserTyping, map[string]string{"conversationId": "c1", "userId": "u2"}))
	r.HandleRaw(frame(t, protocol.EventUserStoppedTyping, map[string]string{"conversationId": "c1", "userId": "u2"}))
	r.HandleRaw(frame(t, protocol.EventMessagesRead, map[string]string{"conversationId": "c1", "readBy": "u2"}))
	r.HandleRaw(frame(t, protocol.EventBidRejected, map[string]string{"bidId": "b1", "jobPostId": "j1", "message": "no"}))
	r.HandleRaw(frame(t, protocol.EventJobStatusUpdated, map[string]string{"jobId": "j1", "status": "COMPLETED"}))
	r.HandleRaw(frame(t, protocol.EventNewReview, map[string]string{"reviewId": "r1", "jobId": "j1"}))

	assert.Equal(t, "m1", msg.Message.ID)
	assert.Equal(t, "u2", typing.UserID)
	assert.Equal(t, "c1", stopped.ConversationID)
	assert.Equal(t, "u2", read.ReadBy)
	assert.Equal(t, protocol.KindBidRejected, bid.Kind())
	assert.Equal(t, "COMPLETED", job.Status)
	assert.Equal(t, "r1", review.ReviewID)
}

func TestRouter_NewJobAvailableForwardedAsNotification(t *testing.T) {
	r := newTestRouter()

	var got []protocol.Notification
	r.OnNotification(func(n protocol.Notification) { got = append(got, n) })

	r.HandleRaw(frame(t, protocol.EventNewJobAvailable, map[string]string{"jobId": "j3", "title": "Panel upgrade"}))

	require.Len(t, got, 1)
	assert.Equal(t, protocol.EventNewJobAvailable, got[0].Type)
	assert.Equal(t, "j3", got[0].JobID)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(got[0].Raw, &raw))
	assert.Equal(t, "Panel upgrade", raw["title"])
}

func TestRouter_MalformedPayloadDropped(t *testing.T) {
	r := newTestRouter()

	calls := 0
	r.OnTyping(func(protocol.Typing) { calls++ })

	assert.NotPanics(t, func() {
		r.HandleRaw([]byte(`{"event":"user_typing","data":[1,2,3]}`))
		r.HandleRaw([]byte(`garbage`))
		r.HandleRaw([]byte(`{"event":"something_new","data":{}}`))
	})
	assert.Equal(t, 0, calls)

	r.HandleRaw(frame(t, protocol.EventUserTyping, map[string]string{"conversationId": "c1", "userId": "u1"}))
	assert.Equal(t, 1, calls)
}

func TestRouter_HandlerPanicDoesNotStopFanOut(t *testing.T) {
	r := newTestRouter()

	var after []string
	r.OnNotification(func(protocol.Notification) { panic("boom") })
	r.OnNotification(func(n protocol.Notification) { after = append(after, "B") })
	r.OnNotification(func(n protocol.Notification) { after = append(after, "C") })

	r.HandleRaw(frame(t, protocol.EventNotification, map[string]string{"type": "message"}))
	assert.Equal(t, []string{"B", "C"}, after)
}
