package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the discriminant shared by every inbound event.
type Kind string

const (
	KindChatMessage      Kind = "chat_message"
	KindTyping           Kind = "typing"
	KindStopTyping       Kind = "stop_typing"
	KindReadReceipt      Kind = "read_receipt"
	KindNotification     Kind = "notification"
	KindBidReceived      Kind = "bid_received"
	KindBidAccepted      Kind = "bid_accepted"
	KindBidRejected      Kind = "bid_rejected"
	KindJobStatusUpdated Kind = "job_status_updated"
	KindNewReview        Kind = "new_review"
	KindNewJobAvailable  Kind = "new_job_available"
)

// Event is the tagged union of everything the server pushes to the client.
type Event interface {
	Kind() Kind
}

// Attribution names the user whose action produced a notification. Servers
// are not consistent about the key, so all known spellings are accepted.
type Attribution struct {
	ActorID   string `json:"actorId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// Actor returns the first non-empty actor identifier.
func (a Attribution) Actor() string {
	switch {
	case a.ActorID != "":
		return a.ActorID
	case a.SenderID != "":
		return a.SenderID
	default:
		return a.CreatedBy
	}
}

// NewMessage carries a confirmed chat message.
type NewMessage struct {
	Message Message `json:"message"`
}

func (NewMessage) Kind() Kind { return KindChatMessage }

// Typing signals that a remote user started typing.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (Typing) Kind() Kind { return KindTyping }

// StopTyping signals that a remote user stopped typing.
type StopTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (StopTyping) Kind() Kind { return KindStopTyping }

// ReadReceipt signals that a user read a conversation.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

func (ReadReceipt) Kind() Kind { return KindReadReceipt }

// Notification is the generic notification payload. new_job_available
// frames are decoded into it as well, with Type forced to
// EventNewJobAvailable.
type Notification struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	Preview        string `json:"preview,omitempty"`
	Title          string `json:"title,omitempty"`
	Message        string `json:"message,omitempty"`
	Attribution

	Raw json.RawMessage `json:"-"`
}

func (n Notification) Kind() Kind {
	if n.Type == EventNewJobAvailable {
		return KindNewJobAvailable
	}
	return KindNotification
}

// BidNotification covers the bid_received, bid_accepted and bid_rejected
// events.
type BidNotification struct {
	Type            string   `json:"type"`
	BidID           string   `json:"bidId"`
	JobPostID       string   `json:"jobPostId"`
	JobTitle        string   `json:"jobTitle,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	ElectricianName string   `json:"electricianName,omitempty"`
	Message         string   `json:"message"`
	Attribution
}

func (b BidNotification) Kind() Kind {
	switch b.Type {
	case EventBidAccepted:
		return KindBidAccepted
	case EventBidRejected:
		return KindBidRejected
	default:
		return KindBidReceived
	}
}

// JobStatusUpdate is a job_status_updated payload. Only the fields the client
// routes on are typed; the full payload stays in Raw.
type JobStatusUpdate struct {
	JobID   string `json:"jobId"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Attribution

	Raw json.RawMessage `json:"-"`
}

func (JobStatusUpdate) Kind() Kind { return KindJobStatusUpdated }

// Review is a new_review payload.
type Review struct {
	ReviewID string   `json:"reviewId,omitempty"`
	JobID    string   `json:"jobId,omitempty"`
	Rating   *float64 `json:"rating,omitempty"`
	Message  string   `json:"message,omitempty"`
	Attribution

	Raw json.RawMessage `json:"-"`
}

func (Review) Kind() Kind { return KindNewReview }

// Decode turns an inbound frame into its typed Event. Unknown events return
// ErrUnknownEvent; malformed payloads return a decode error.
func Decode(f Frame) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch f.Event {
	case EventNewMessage:
		var m NewMessage
		err = unmarshalData(f, &m)
		ev = m
	case EventUserTyping:
		var m Typing
		err = unmarshalData(f, &m)
		ev = m
	case EventUserStoppedTyping:
		var m StopTyping
		err = unmarshalData(f, &m)
		ev = m
	case EventMessagesRead:
		var m ReadReceipt
		err = unmarshalData(f, &m)
		ev = m
	case EventNotification:
		var m Notification
		err = unmarshalData(f, &m)
		m.Raw = f.Data
		ev = m
	case EventNewJobAvailable:
		var m Notification
		err = unmarshalData(f, &m)
		m.Type = EventNewJobAvailable
		m.Raw = f.Data
		ev = m
	case EventBidReceived, EventBidAccepted, EventBidRejected:
		var m BidNotification
		err = unmarshalData(f, &m)
		if m.Type == "" {
			m.Type = f.Event
		}
		ev = m
	case EventJobStatusUpdated:
		var m JobStatusUpdate
		err = unmarshalData(f, &m)
		m.Raw = f.Data
		ev = m
	case EventNewReview:
		var m Review
		err = unmarshalData(f, &m)
		m.Raw = f.Data
		ev = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", f.Event, err)
	}
	return ev, nil
}

// unmarshalData tolerates frames without data; the zero value is kept.
func unmarshalData(f Frame, v interface{}) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
