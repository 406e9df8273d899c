// Package notify is the app-wide notification layer: it turns notification
// events into stored records and alerts, resolves deep links, follows push
// taps and registers the device for push delivery.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/events"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/ui"
)

// storeTimeout bounds a single store write from an event handler.
const storeTimeout = 3 * time.Second

// UserFunc returns the id of the signed-in user, or "" when unknown.
type UserFunc func() string

// TokenUser reads the current user id from the session token's claims.
func TokenUser(tokens auth.TokenSource) UserFunc {
	return func() string {
		token, err := tokens.Token()
		if err != nil {
			return ""
		}
		id, err := auth.UserIDFromToken(token)
		if err != nil {
			return ""
		}
		return id
	}
}

// Dispatcher listens on every notification-shaped router channel for the
// lifetime of the app. Events caused by the current user are ignored; the
// rest are stored and raised as alerts whose view action follows the deep
// link.
type Dispatcher struct {
	router  *events.Router
	store   Store
	alerter ui.Alerter
	nav     ui.Navigator
	user    UserFunc
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active string
	unsubs []events.Unsubscribe
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(router *events.Router, store Store, alerter ui.Alerter, nav ui.Navigator, user UserFunc, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		router:  router,
		store:   store,
		alerter: alerter,
		nav:     nav,
		user:    user,
		logger:  logger.With().Str(logging.FieldComponent, "notify").Logger(),
		now:     time.Now,
	}
}

// Start subscribes to the notification, bid, job status and review
// channels. It is a no-op when already started.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubs != nil {
		return
	}

	d.unsubs = []events.Unsubscribe{
		d.router.OnNotification(func(n protocol.Notification) { d.handle(n, n.Actor()) }),
		d.router.OnBidNotification(func(b protocol.BidNotification) { d.handle(b, b.Actor()) }),
		d.router.OnJobStatusUpdate(func(j protocol.JobStatusUpdate) { d.handle(j, j.Actor()) }),
		d.router.OnNewReview(func(r protocol.Review) { d.handle(r, r.Actor()) }),
	}
	d.logger.Info().Msg("notification dispatcher started")
}

// Stop drops all subscriptions.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// SetActiveConversation records the conversation on screen. Notifications
// for it are stored but raise no alert. Pass "" when no chat is open.
func (d *Dispatcher) SetActiveConversation(conversationID string) {
	d.mu.Lock()
	d.active = conversationID
	d.mu.Unlock()
}

func (d *Dispatcher) activeConversation() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dispatcher) handle(ev protocol.Event, actor string) {
	me := d.user()
	if me != "" && actor == me {
		metrics.NotificationsTotal.WithLabelValues("self").Inc()
		d.logger.Debug().Str("kind", string(ev.Kind())).Msg("own action, suppressed")
		return
	}

	rec, ok := NewRecord(ev, d.now())
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := d.store.Add(ctx, me, rec)
	cancel()
	if err != nil {
		d.logger.Warn().Err(err).Str("kind", rec.Kind).Msg("store notification failed")
	} else {
		metrics.NotificationsTotal.WithLabelValues("stored").Inc()
	}

	if rec.ConversationID != "" && rec.ConversationID == d.activeConversation() {
		metrics.NotificationsTotal.WithLabelValues("active").Inc()
		return
	}

	d.alerter.Show(ui.Alert{
		Title:   rec.Title,
		Message: rec.Message,
		View: &ui.Action{Label: "View", Run: func() {
			d.markRead(me, rec.ID)
			d.nav.Push(rec.Route)
		}},
		Dismiss: &ui.Action{Label: "Dismiss"},
	})
	metrics.NotificationsTotal.WithLabelValues("alerted").Inc()
}

func (d *Dispatcher) markRead(userID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.MarkRead(ctx, userID, id); err != nil {
		d.logger.Debug().Err(err).Str("id", id).Msg("mark read failed")
	}
}
