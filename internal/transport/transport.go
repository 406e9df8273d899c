// Package transport implements the byte-level links the connection manager
// can carry realtime frames over: HTTP long-polling, WebSocket and NATS.
// Every dialer performs the auth handshake and returns only once the server
// acknowledged the session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/voltwork/messaging/internal/protocol"
)

// Transport names.
const (
	NamePolling   = "polling"
	NameWebSocket = "websocket"
	NameNATS      = "nats"
)

var (
	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrRejected wraps a connect_error answer to the auth handshake.
	ErrRejected = errors.New("transport: connection rejected")
)

// Transport is one established, authenticated link. Send may be called from
// any goroutine; Receive is called from a single reader goroutine.
type Transport interface {
	Name() string
	SessionID() string
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Transport to the realtime endpoint at baseURL, presenting
// token in the auth handshake.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, baseURL, token string) (Transport, error)
}

// Upgrader is implemented by dialers that can take over a session already
// established on another transport.
type Upgrader interface {
	Upgrade(ctx context.Context, baseURL, token, sessionID string) (Transport, error)
}

// Drainer is implemented by transports that can retire gracefully: a
// request already in flight completes and its frames are still returned by
// Receive, after which Receive fails with ErrClosed and the link closes.
type Drainer interface {
	Drain()
}

// readAck interprets the server's answer to the auth frame.
func readAck(data []byte) (protocol.ConnectAck, error) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		return protocol.ConnectAck{}, err
	}

	switch f.Event {
	case protocol.EventConnect:
		var ack protocol.ConnectAck
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				return protocol.ConnectAck{}, fmt.Errorf("transport: decode ack: %w", err)
			}
		}
		return ack, nil
	case protocol.EventConnectError:
		var ce protocol.ConnectError
		_ = json.Unmarshal(f.Data, &ce)
		return protocol.ConnectAck{}, fmt.Errorf("%w: %s", ErrRejected, ce.Message)
	default:
		return protocol.ConnectAck{}, fmt.Errorf("transport: expected %q, got %q", protocol.EventConnect, f.Event)
	}
}

// endpoint joins baseURL with path, switching the scheme when ws is set.
func endpoint(baseURL, path string, ws bool) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse url %q: %w", baseURL, err)
	}
	if ws {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
