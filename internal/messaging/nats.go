// Package messaging provides a NATS client wrapper shared by the realtime
// NATS transport and the dev server's NATS bridge. It handles connection
// lifecycle, keyed subscriptions and the per-session subject layout.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/logging"
)

// NATS subject patterns used by the realtime bridge.
const (
	SubjectConnect = "realtime.connect" // request/reply handshake
	SubjectSession = "realtime.session" // + .<session_id>.in / .out
	SubjectNotify  = "realtime.notify"  // backend -> users fan-out
)

// InboxSubject carries frames from the server to the session's client.
func InboxSubject(sessionID string) string {
	return SubjectSession + "." + sessionID + ".in"
}

// OutboxSubject carries frames from the session's client to the server.
func OutboxSubject(sessionID string) string {
	return SubjectSession + "." + sessionID + ".out"
}

// ConnectRequest is the payload of a realtime.connect request.
type ConnectRequest struct {
	Token string `json:"token"`
}

// ConnectReply answers a realtime.connect request.
type ConnectReply struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sid,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NotifyRequest asks the server to push one event to every session of a user.
type NotifyRequest struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)

	// OnClosed runs once the connection is permanently closed.
	OnClosed func()
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "voltwork",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str(logging.FieldComponent, "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			} else {
				logger.Info().Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug().Msg("connection closed")
			if config.OnClosed != nil {
				config.OnClosed()
			}
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Debug().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data to subject and waits for a single reply until ctx is
// done.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers a handler for subject and stores the subscription
// under key for later cleanup. A second subscription under the same key
// replaces the first.
func (c *NATSClient) Subscribe(key, subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// Unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// SubscribeSession subscribes to a session's outbox; used by the server side
// of the bridge.
func (c *NATSClient) SubscribeSession(sessionID string, handler func(data []byte)) error {
	return c.Subscribe("session:"+sessionID, OutboxSubject(sessionID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeSession drops a session's outbox subscription.
func (c *NATSClient) UnsubscribeSession(sessionID string) error {
	return c.Unsubscribe("session:" + sessionID)
}

// PublishNotify asks the server to push an event to a user.
func (c *NATSClient) PublishNotify(req NotifyRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nats: marshal notify: %w", err)
	}
	return c.Publish(SubjectNotify, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain")
	}

	c.logger.Debug().Msg("client closed")
}
