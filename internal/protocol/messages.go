// Package protocol defines the realtime wire protocol spoken between the
// voltwork client and the messaging server. Every frame is a JSON object with
// an "event" name and an optional "data" payload; inbound frames are decoded
// once into the tagged Event union.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventSendMessage       = "send_message"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMarkAsRead        = "mark_as_read"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
)

// Server -> Client events.
const (
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessagesRead      = "messages_read"
	EventNotification      = "notification"
	EventBidReceived       = "bid_received"
	EventBidAccepted       = "bid_accepted"
	EventBidRejected       = "bid_rejected"
	EventJobStatusUpdated  = "job_status_updated"
	EventNewReview         = "new_review"
	EventNewJobAvailable   = "new_job_available"
)

// Handshake events. The client opens with auth and the server answers with
// connect or connect_error. Transports without a close signal of their own
// send disconnect before going away.
const (
	EventAuth         = "auth"
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// ErrUnknownEvent is returned by Decode for events the client does not handle.
var ErrUnknownEvent = errors.New("protocol: unknown event")

// ---------------------------------------------------------------------------
// Frame is the envelope carried by every transport.
// ---------------------------------------------------------------------------

// Frame holds the event name and the raw payload for deferred decoding.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes raw transport bytes into a Frame. Frames without an
// event name are rejected.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return f, nil
}

// NewFrame encodes an event and its payload. A nil payload produces a frame
// without data.
func NewFrame(event string, payload interface{}) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
		f.Data = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// MessageType classifies chat message content.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageSystem MessageType = "SYSTEM"
)

// TempIDPrefix marks client-generated ids of optimistic messages.
const TempIDPrefix = "temp-"

// TempID returns a temporary message id derived from the timestamp.
func TempID(now time.Time) string {
	return fmt.Sprintf("%s%d", TempIDPrefix, now.UnixNano())
}

// Sender is the denormalized display snapshot attached to a message.
type Sender struct {
	ID              string `json:"id"`
	FullName        string `json:"fullName"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Message is one chat message, either confirmed by the server or an
// optimistic local copy carrying a temp id.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	Sender         *Sender     `json:"sender,omitempty"`
}

// IsTemporary reports whether the message is still awaiting server
// confirmation.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// SendMessagePayload is the data of a send_message frame.
type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
}

// AuthPayload is the data of the auth handshake frame. SessionID is set when
// a new transport takes over an existing server session.
type AuthPayload struct {
	Token     string `json:"token"`
	SessionID string `json:"sid,omitempty"`
}

// ConnectAck is the data of the server's connect acknowledgment.
type ConnectAck struct {
	SessionID string `json:"sid"`
	UserID    string `json:"userId,omitempty"`
}

// ConnectError is the data of a connect_error frame.
type ConnectError struct {
	Message string `json:"message"`
}
