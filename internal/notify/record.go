package notify

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/voltwork/messaging/internal/protocol"
)

// Deep-link routes.
const (
	RouteNotifications = "/notifications"
	RouteMessages      = "/messages"
	RouteMyBids        = "/my-bids"
	RouteMyJobs        = "/my-jobs"
	RouteReviews       = "/reviews"
	RouteJobs          = "/jobs"
)

// Target holds the payload fields deep-link resolution looks at.
type Target struct {
	Type           string
	ConversationID string
	JobID          string
	JobPostID      string
}

// ResolveRoute picks the navigation target for a notification: an explicit
// conversation wins over an explicit job, which wins over the type's default
// route. Anything else lands on the notification list.
func ResolveRoute(t Target) string {
	switch {
	case t.ConversationID != "":
		return "/chat/" + url.PathEscape(t.ConversationID)
	case t.JobID != "":
		return "/jobs/" + url.PathEscape(t.JobID)
	}

	switch t.Type {
	case protocol.EventBidReceived:
		if t.JobPostID != "" {
			return "/jobs/" + url.PathEscape(t.JobPostID) + "/bids"
		}
		return RouteMyJobs
	case protocol.EventBidAccepted, protocol.EventBidRejected:
		return RouteMyBids
	case protocol.EventJobStatusUpdated:
		return RouteMyJobs
	case protocol.EventNewReview:
		return RouteReviews
	case protocol.EventNewJobAvailable:
		return RouteJobs
	case "message", protocol.EventNewMessage:
		return RouteMessages
	}
	return RouteNotifications
}

// TargetFromPush reads a push notification's data dictionary.
func TargetFromPush(data map[string]string) Target {
	return Target{
		Type:           data["type"],
		ConversationID: data["conversationId"],
		JobID:          data["jobId"],
		JobPostID:      data["jobPostId"],
	}
}

// Record is the persisted form of a notification.
type Record struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Route          string    `json:"route"`
	ConversationID string    `json:"conversationId,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	JobPostID      string    `json:"jobPostId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Target returns the record's routing fields.
func (r Record) Target() Target {
	return Target{Type: r.Type, ConversationID: r.ConversationID, JobID: r.JobID, JobPostID: r.JobPostID}
}

// NewRecord converts a notification-shaped event into an unread record with
// a fresh id and its resolved route. ok is false for chat traffic events.
func NewRecord(ev protocol.Event, now time.Time) (r Record, ok bool) {
	r = Record{
		ID:        uuid.NewString(),
		Kind:      string(ev.Kind()),
		CreatedAt: now.UTC(),
	}

	switch e := ev.(type) {
	case protocol.Notification:
		r.Type = e.Type
		r.ConversationID = e.ConversationID
		r.JobID = e.JobID
		r.ActorID = e.Actor()
		r.Title, r.Message = genericText(e)
	case protocol.BidNotification:
		r.Type = e.Type
		r.JobPostID = e.JobPostID
		r.ActorID = e.Actor()
		r.Title, r.Message = bidText(e)
	case protocol.JobStatusUpdate:
		r.Type = protocol.EventJobStatusUpdated
		r.JobID = e.JobID
		r.ActorID = e.Actor()
		r.Title = firstNonEmpty(e.Title, "Job updated")
		r.Message = firstNonEmpty(e.Message, statusText(e.Status))
	case protocol.Review:
		r.Type = protocol.EventNewReview
		r.JobID = e.JobID
		r.ActorID = e.Actor()
		r.Title = "New review"
		r.Message = firstNonEmpty(e.Message, "You received a new review")
	default:
		return Record{}, false
	}

	r.Route = ResolveRoute(r.Target())
	return r, true
}

func genericText(n protocol.Notification) (title, message string) {
	switch {
	case n.Type == protocol.EventNewJobAvailable:
		title = firstNonEmpty(n.Title, "New job available")
	case n.SenderName != "":
		title = "New message from " + n.SenderName
	default:
		title = firstNonEmpty(n.Title, "Notification")
	}
	return title, firstNonEmpty(n.Preview, n.Message)
}

func bidText(b protocol.BidNotification) (title, message string) {
	switch b.Type {
	case protocol.EventBidAccepted:
		title = "Bid accepted"
	case protocol.EventBidRejected:
		title = "Bid not selected"
	default:
		title = "New bid received"
	}

	message = b.Message
	if message == "" && b.Type == protocol.EventBidReceived && b.ElectricianName != "" {
		message = b.ElectricianName + " placed a bid"
		if b.Amount != nil {
			message += fmt.Sprintf(" of %.2f", *b.Amount)
		}
		if b.JobTitle != "" {
			message += " on " + b.JobTitle
		}
	}
	return title, message
}

func statusText(status string) string {
	if status == "" {
		return ""
	}
	return "Status changed to " + status
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
