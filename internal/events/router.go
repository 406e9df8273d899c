package events

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
)

// Channel names.
const (
	ChannelMessage      = "message"
	ChannelTyping       = "typing"
	ChannelStopTyping   = "stop_typing"
	ChannelRead         = "read"
	ChannelNotification = "notification"
	ChannelBid          = "bid_notification"
	ChannelJobStatus    = "job_status_update"
	ChannelReview       = "new_review"
)

// Router owns one Emitter per channel. It is the single decoding boundary:
// raw frames come in, typed events go out.
type Router struct {
	logger zerolog.Logger

	messages      *Emitter[protocol.NewMessage]
	typing        *Emitter[protocol.Typing]
	stopTyping    *Emitter[protocol.StopTyping]
	reads         *Emitter[protocol.ReadReceipt]
	notifications *Emitter[protocol.Notification]
	bids          *Emitter[protocol.BidNotification]
	jobStatus     *Emitter[protocol.JobStatusUpdate]
	reviews       *Emitter[protocol.Review]
}

// NewRouter creates a router with empty subscriber sets.
func NewRouter(logger zerolog.Logger) *Router {
	logger = logger.With().Str(logging.FieldComponent, "router").Logger()
	return &Router{
		logger:        logger,
		messages:      NewEmitter[protocol.NewMessage](ChannelMessage, logger),
		typing:        NewEmitter[protocol.Typing](ChannelTyping, logger),
		stopTyping:    NewEmitter[protocol.StopTyping](ChannelStopTyping, logger),
		reads:         NewEmitter[protocol.ReadReceipt](ChannelRead, logger),
		notifications: NewEmitter[protocol.Notification](ChannelNotification, logger),
		bids:          NewEmitter[protocol.BidNotification](ChannelBid, logger),
		jobStatus:     NewEmitter[protocol.JobStatusUpdate](ChannelJobStatus, logger),
		reviews:       NewEmitter[protocol.Review](ChannelReview, logger),
	}
}

func (r *Router) OnMessage(fn func(protocol.NewMessage)) Unsubscribe { return r.messages.On(fn) }
func (r *Router) OnTyping(fn func(protocol.Typing)) Unsubscribe      { return r.typing.On(fn) }
func (r *Router) OnStopTyping(fn func(protocol.StopTyping)) Unsubscribe {
	return r.stopTyping.On(fn)
}
func (r *Router) OnRead(fn func(protocol.ReadReceipt)) Unsubscribe { return r.reads.On(fn) }

// OnNotification subscribes to generic notifications, including
// new_job_available events which arrive tagged with that type.
func (r *Router) OnNotification(fn func(protocol.Notification)) Unsubscribe {
	return r.notifications.On(fn)
}

// OnBidNotification subscribes to bid_received, bid_accepted and
// bid_rejected events.
func (r *Router) OnBidNotification(fn func(protocol.BidNotification)) Unsubscribe {
	return r.bids.On(fn)
}

func (r *Router) OnJobStatusUpdate(fn func(protocol.JobStatusUpdate)) Unsubscribe {
	return r.jobStatus.On(fn)
}

func (r *Router) OnNewReview(fn func(protocol.Review)) Unsubscribe { return r.reviews.On(fn) }

// HandleRaw parses transport bytes and dispatches the resulting frame.
func (r *Router) HandleRaw(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		r.logger.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}
	r.Dispatch(f)
}

// Dispatch decodes f and fans it out on its channel. Frames that fail to
// decode are dropped and logged.
func (r *Router) Dispatch(f protocol.Frame) {
	ev, err := protocol.Decode(f)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			metrics.EventsDropped.WithLabelValues("unknown").Inc()
			r.logger.Debug().Str(logging.FieldEvent, f.Event).Msg("ignoring unhandled event")
			return
		}
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		r.logger.Warn().Err(err).Str(logging.FieldEvent, f.Event).Msg("dropping malformed payload")
		return
	}

	r.logger.Debug().Str(logging.FieldEvent, f.Event).Msg("dispatching")

	switch e := ev.(type) {
	case protocol.NewMessage:
		metrics.EventsTotal.WithLabelValues(ChannelMessage).Inc()
		r.messages.Emit(e)
	case protocol.Typing:
		metrics.EventsTotal.WithLabelValues(ChannelTyping).Inc()
		r.typing.Emit(e)
	case protocol.StopTyping:
		metrics.EventsTotal.WithLabelValues(ChannelStopTyping).Inc()
		r.stopTyping.Emit(e)
	case protocol.ReadReceipt:
		metrics.EventsTotal.WithLabelValues(ChannelRead).Inc()
		r.reads.Emit(e)
	case protocol.Notification:
		metrics.EventsTotal.WithLabelValues(ChannelNotification).Inc()
		r.notifications.Emit(e)
	case protocol.BidNotification:
		metrics.EventsTotal.WithLabelValues(ChannelBid).Inc()
		r.bids.Emit(e)
	case protocol.JobStatusUpdate:
		metrics.EventsTotal.WithLabelValues(ChannelJobStatus).Inc()
		r.jobStatus.Emit(e)
	case protocol.Review:
		metrics.EventsTotal.WithLabelValues(ChannelReview).Inc()
		r.reviews.Emit(e)
	}
}
