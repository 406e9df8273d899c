// Package connection owns the single realtime link of the process: the auth
// handshake, the reconnection policy and the connected flag. It is the only
// writer to the transport.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/events"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
	"github.com/voltwork/messaging/internal/transport"
)

// ErrNotConnected is returned by Emit while no link is established.
var ErrNotConnected = errors.New("connection: not connected")

// Config holds the reconnection policy.
type Config struct {
	URL               string
	Transports        []string      // preference order; later entries are upgrade targets
	ReconnectAttempts int           // reconnections after the first dial before giving up
	ReconnectDelay    time.Duration // fixed delay between attempts
	ConnectTimeout    time.Duration // per-dial timeout, handshake included
	GraceWindow       time.Duration // after this, Connect resolves false once attempts exceed GraceAttempts
	GraceAttempts     int
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		URL:               "http://localhost:8090",
		Transports:        []string{transport.NamePolling, transport.NameWebSocket},
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		ConnectTimeout:    5 * time.Second,
		GraceWindow:       15 * time.Second,
		GraceAttempts:     3,
	}
}

// FrameHandler receives every inbound frame of the live link.
type FrameHandler func(data []byte)

// Manager is the process-wide connection. Construct it once at bootstrap and
// inject it; all methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	tokens  auth.TokenSource
	dialers map[string]transport.Dialer
	onFrame FrameHandler
	logger  zerolog.Logger
	state   *events.Emitter[bool]

	mu         sync.Mutex
	generation uint64
	link       *link
	connected  bool
	running    bool
	attempts   int
	pending    *pendingConnect
	cancel     context.CancelFunc
}

// link is one attached transport, stamped with the generation that created
// it. Frames from a link that is no longer current are discarded.
type link struct {
	t   transport.Transport
	gen uint64

	// release detaches the close hook of a retired link.
	release func() bool
}

// pendingConnect is the shared result of concurrent Connect calls.
type pendingConnect struct {
	done         chan struct{}
	result       bool
	graceExpired bool
}

func newPending() *pendingConnect {
	return &pendingConnect{done: make(chan struct{})}
}

// NewManager creates a disconnected manager. Dialers are looked up by the
// names listed in cfg.Transports.
func NewManager(cfg Config, tokens auth.TokenSource, dialers []transport.Dialer, onFrame FrameHandler, logger zerolog.Logger) *Manager {
	byName := make(map[string]transport.Dialer, len(dialers))
	for _, d := range dialers {
		byName[d.Name()] = d
	}
	logger = logger.With().Str(logging.FieldComponent, "connection").Logger()

	return &Manager{
		cfg:     cfg,
		tokens:  tokens,
		dialers: byName,
		onFrame: onFrame,
		logger:  logger,
		state:   events.NewEmitter[bool]("connection_state", logger),
	}
}

// Connect establishes the link, or joins the attempt already in flight. It
// returns false without dialing when no token is available, true as soon as
// the server acknowledges the session, and false once the grace window has
// passed with more than GraceAttempts failed reconnections or the attempt
// cap is exhausted. Connection errors are logged, never returned. ctx bounds
// only the wait; the background loop keeps running.
func (m *Manager) Connect(ctx context.Context) bool {
	if _, err := m.tokens.Token(); err != nil {
		m.logger.Info().Err(err).Msg("no auth token, not connecting")
		return false
	}

	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return true
	}

	p := m.pending
	if p == nil {
		p = newPending()
		m.pending = p
		if !m.running {
			m.startLocked()
		}
		go m.watchGrace(p)
	}
	m.mu.Unlock()

	start := time.Now()
	select {
	case <-p.done:
		metrics.ConnectDuration.Observe(time.Since(start).Seconds())
		return p.result
	case <-ctx.Done():
		return false
	}
}

// Disconnect tears down the link and stops reconnecting. Safe to call any
// number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasConnected := m.connected
	old := m.teardownLocked()
	m.resolveLocked(false)
	m.mu.Unlock()

	if old != nil {
		m.closeLink(old)
	}
	if wasConnected {
		m.publishState(false, "")
	}
	m.logger.Info().Msg("disconnected")
}

// Emit sends one frame on the live link.
func (m *Manager) Emit(event string, data interface{}) error {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	l := m.link
	connected := m.connected
	m.mu.Unlock()

	if !connected || l == nil {
		return ErrNotConnected
	}
	if err := l.t.Send(frame); err != nil {
		m.logger.Warn().Err(err).Str(logging.FieldEvent, event).Msg("emit failed")
		return fmt.Errorf("connection: emit %s: %w", event, err)
	}
	m.logger.Debug().Str(logging.FieldEvent, event).Msg("emitted")
	return nil
}

// IsConnected reports whether a link is established.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ReconnectAttempts returns the failed attempts since the last successful
// connect.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Transport returns the name of the transport carrying the link, or "" when
// disconnected.
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.t.Name()
}

// OnStateChange subscribes to connected/disconnected transitions. A
// reconnect after a lost link is reported as a new true.
func (m *Manager) OnStateChange(fn func(connected bool)) events.Unsubscribe {
	return m.state.On(fn)
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// startLocked discards any previous link and starts a fresh loop under a new
// generation.
func (m *Manager) startLocked() {
	if old := m.teardownLocked(); old != nil {
		go m.closeLink(old)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	go m.run(ctx, m.generation)
}

// teardownLocked invalidates the current generation and returns the link to
// close once the lock is released.
func (m *Manager) teardownLocked() *link {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	old := m.link
	m.link = nil
	m.connected = false
	m.running = false
	m.attempts = 0
	metrics.Connected.Set(0)
	return old
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	for {
		t, err := m.dial(ctx, m.primary(), nil)
		if ctx.Err() != nil {
			if t != nil {
				t.Close()
			}
			return
		}

		if err == nil {
			l := &link{t: t, gen: gen}
			if !m.attach(l) {
				t.Close()
				return
			}
			go m.upgrade(ctx, l)

			for l != nil {
				err = m.read(l)
				l = m.successor(l)
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("connection lost")
		} else {
			m.logger.Warn().Err(err).Msg("connect failed")
		}

		if !m.scheduleRetry(gen) {
			return
		}

		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// scheduleRetry counts one reconnection attempt, or gives up when the cap is
// reached.
func (m *Manager) scheduleRetry(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return false
	}
	if m.attempts >= m.cfg.ReconnectAttempts {
		m.running = false
		m.resolveLocked(false)
		m.logger.Warn().Int(logging.FieldAttempt, m.attempts).Msg("giving up reconnecting")
		return false
	}

	m.attempts++
	metrics.ReconnectAttempts.Inc()
	m.logger.Info().
		Int(logging.FieldAttempt, m.attempts).
		Dur("delay", m.cfg.ReconnectDelay).
		Msg("reconnecting")

	if m.pending != nil && m.pending.graceExpired && m.attempts > m.cfg.GraceAttempts {
		m.resolveLocked(false)
	}
	return true
}

// dial opens a transport by name; sessionID non-nil requests an upgrade of
// that session.
func (m *Manager) dial(ctx context.Context, name string, sessionID *string) (transport.Transport, error) {
	d, ok := m.dialers[name]
	if !ok {
		return nil, fmt.Errorf("connection: no dialer for transport %q", name)
	}
	token, err := m.tokens.Token()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var t transport.Transport
	if sessionID != nil {
		up, ok := d.(transport.Upgrader)
		if !ok {
			return nil, fmt.Errorf("connection: transport %q cannot upgrade", name)
		}
		t, err = up.Upgrade(dctx, m.cfg.URL, token, *sessionID)
	} else {
		t, err = d.Dial(dctx, m.cfg.URL, token)
	}

	if err != nil {
		metrics.DialsTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	metrics.DialsTotal.WithLabelValues(name, "ok").Inc()
	return t, nil
}

func (m *Manager) primary() string {
	if len(m.cfg.Transports) == 0 {
		return transport.NameWebSocket
	}
	return m.cfg.Transports[0]
}

// attach installs l as the live link and resolves pending connects.
func (m *Manager) attach(l *link) bool {
	m.mu.Lock()
	if l.gen != m.generation {
		m.mu.Unlock()
		return false
	}
	m.link = l
	m.connected = true
	m.attempts = 0
	m.resolveLocked(true)
	m.mu.Unlock()

	metrics.Connected.Set(1)
	m.publishState(true, l.t.Name())
	m.logger.Info().Str(logging.FieldTransport, l.t.Name()).Msg("connected")
	return true
}

// upgrade tries the later transports in preference order and moves the
// session onto the first that succeeds.
func (m *Manager) upgrade(ctx context.Context, from *link) {
	if len(m.cfg.Transports) < 2 {
		return
	}
	for _, name := range m.cfg.Transports[1:] {
		sid := from.t.SessionID()
		t, err := m.dial(ctx, name, &sid)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug().Err(err).Str(logging.FieldTransport, name).Msg("upgrade failed")
			}
			continue
		}

		m.mu.Lock()
		if m.link != from || from.gen != m.generation {
			m.mu.Unlock()
			t.Close()
			return
		}
		next := &link{t: t, gen: from.gen}
		old := from.t
		from.release = context.AfterFunc(ctx, func() { old.Close() })
		m.link = next
		m.mu.Unlock()

		metrics.ActiveTransport.WithLabelValues(from.t.Name()).Set(0)
		metrics.ActiveTransport.WithLabelValues(name).Set(1)
		m.logger.Info().
			Str("from", from.t.Name()).
			Str(logging.FieldTransport, name).
			Msg("upgraded transport")
		retire(old)
		from = next
	}
}

// retire stops a link that was replaced by an upgrade. A draining link
// still hands out frames the server already released to it; run reads them
// before moving on to the successor.
func retire(t transport.Transport) {
	if d, ok := t.(transport.Drainer); ok {
		d.Drain()
		return
	}
	t.Close()
}

// read pumps frames from l until it fails. Frames from a link replaced by an
// upgrade are still current as long as the generation holds.
func (m *Manager) read(l *link) error {
	for {
		data, err := l.t.Receive()
		if err != nil {
			return err
		}

		m.mu.Lock()
		current := l.gen == m.generation
		m.mu.Unlock()
		if !current {
			metrics.EventsDropped.WithLabelValues("stale").Inc()
			continue
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

// successor returns the link that replaced l after an upgrade, or detaches
// l and returns nil when it was simply lost.
func (m *Manager) successor(l *link) *link {
	m.mu.Lock()
	if l.gen != m.generation {
		m.mu.Unlock()
		return nil
	}
	if m.link != nil && m.link != l {
		next := m.link
		m.mu.Unlock()
		l.t.Close()
		if l.release != nil {
			l.release()
		}
		return next
	}
	m.link = nil
	m.connected = false
	m.mu.Unlock()

	l.t.Close()
	metrics.Connected.Set(0)
	metrics.ActiveTransport.WithLabelValues(l.t.Name()).Set(0)
	m.publishState(false, l.t.Name())
	return nil
}

// watchGrace resolves p false once the grace window has passed and more than
// GraceAttempts reconnections failed.
func (m *Manager) watchGrace(p *pendingConnect) {
	timer := time.NewTimer(m.cfg.GraceWindow)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-p.done:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p.graceExpired = true
	if m.pending == p && m.attempts > m.cfg.GraceAttempts {
		m.logger.Warn().Int(logging.FieldAttempt, m.attempts).Msg("connect grace window elapsed")
		m.resolveLocked(false)
	}
}

func (m *Manager) resolveLocked(result bool) {
	if m.pending == nil {
		return
	}
	m.pending.result = result
	close(m.pending.done)
	m.pending = nil
}

func (m *Manager) closeLink(l *link) {
	if err := l.t.Close(); err != nil {
		m.logger.Debug().Err(err).Str(logging.FieldTransport, l.t.Name()).Msg("close transport")
	}
	metrics.ActiveTransport.WithLabelValues(l.t.Name()).Set(0)
}

func (m *Manager) publishState(connected bool, name string) {
	if name != "" {
		v := 0.0
		if connected {
			v = 1
		}
		metrics.ActiveTransport.WithLabelValues(name).Set(v)
	}
	m.state.Emit(connected)
}
