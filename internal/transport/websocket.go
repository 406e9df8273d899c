package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/voltwork/messaging/internal/protocol"
)

// WebSocketPath is the upgrade endpoint on the realtime server.
const WebSocketPath = "/ws"

// WebSocketDialer connects over a WebSocket using gobwas/ws.
type WebSocketDialer struct {
	Path string // defaults to WebSocketPath
}

func (d WebSocketDialer) Name() string { return NameWebSocket }

// Dial opens a new socket, sends the auth frame and waits for the connect
// acknowledgment. The bearer token is also sent as a handshake header for
// servers that authenticate at upgrade time.
func (d WebSocketDialer) Dial(ctx context.Context, baseURL, token string) (Transport, error) {
	return d.Upgrade(ctx, baseURL, token, "")
}

// Upgrade is Dial with the auth frame naming an existing session, which the
// server moves onto the new socket.
func (d WebSocketDialer) Upgrade(ctx context.Context, baseURL, token, sessionID string) (Transport, error) {
	path := d.Path
	if path == "" {
		path = WebSocketPath
	}
	target, err := endpoint(baseURL, path, true)
	if err != nil {
		return nil, err
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	t := &webSocketTransport{conn: conn, reader: conn}
	if br != nil {
		// Bytes the server sent right after the upgrade are buffered in br.
		t.reader = br
	}

	if err := t.handshake(ctx, token, sessionID); err != nil {
		t.conn.Close()
		return nil, err
	}
	return t, nil
}

// webSocketTransport is a client-side WebSocket link. Writes are serialized
// with a mutex since wsutil writers are not goroutine-safe.
type webSocketTransport struct {
	conn   net.Conn
	reader io.Reader
	sid    string

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// rw pairs the buffered handshake reader with the raw connection.
type rw struct {
	io.Reader
	io.Writer
}

func (t *webSocketTransport) Name() string      { return NameWebSocket }
func (t *webSocketTransport) SessionID() string { return t.sid }

func (t *webSocketTransport) handshake(ctx context.Context, token, sessionID string) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{})
	}

	auth, err := protocol.NewFrame(protocol.EventAuth, protocol.AuthPayload{Token: token, SessionID: sessionID})
	if err != nil {
		return err
	}
	if err := t.Send(auth); err != nil {
		return fmt.Errorf("websocket: send auth: %w", err)
	}

	data, err := t.Receive()
	if err != nil {
		return fmt.Errorf("websocket: read ack: %w", err)
	}
	ack, err := readAck(data)
	if err != nil {
		return err
	}
	t.sid = ack.SessionID
	return nil
}

func (t *webSocketTransport) Send(frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, frame)
}

// Receive returns the next text or binary message. Control frames are
// answered by wsutil.
func (t *webSocketTransport) Receive() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(rw{Reader: t.reader, Writer: &lockedWriter{t: t}})
		if err != nil {
			if t.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

func (t *webSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		t.writeMu.Lock()
		_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// lockedWriter routes control-frame replies through the write mutex.
type lockedWriter struct {
	t *webSocketTransport
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.t.writeMu.Lock()
	defer w.t.writeMu.Unlock()
	return w.t.conn.Write(p)
}
