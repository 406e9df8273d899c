package devserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/voltwork/messaging/internal/transport"
)

// errPeerClosed is returned when delivering to a removed peer.
var errPeerClosed = errors.New("devserver: peer closed")

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// Peer is one authenticated client session. Its frames go out over whichever
// transport currently carries the session: a WebSocket, a polling queue
// drained by long-poll requests, or a NATS inbox subject.
type Peer struct {
	ID        string // session id
	UserID    string
	CreatedAt time.Time

	mu        sync.Mutex
	transport string
	conn      net.Conn
	publish   func([]byte) error
	queue     [][]byte
	wake      chan struct{}
	lastSeen  time.Time
	closed    bool

	writeMu sync.Mutex // serializes writes to conn
}

func newPeer(id, userID, transportName string) *Peer {
	now := time.Now()
	return &Peer{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		transport: transportName,
		wake:      make(chan struct{}, 1),
		lastSeen:  now,
	}
}

// Transport returns the name of the transport carrying the session.
func (p *Peer) Transport() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// Send delivers one frame to the client.
func (p *Peer) Send(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPeerClosed
	}

	switch p.transport {
	case transport.NameWebSocket:
		conn := p.conn
		p.mu.Unlock()
		return p.writeWebSocket(conn, frame)
	case transport.NameNATS:
		publish := p.publish
		p.mu.Unlock()
		return publish(frame)
	default:
		p.queue = append(p.queue, frame)
		p.mu.Unlock()
		p.signal()
		return nil
	}
}

func (p *Peer) writeWebSocket(conn net.Conn, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(conn, frame)
}

func writeFrame(conn net.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := wsutil.WriteServerMessage(conn, ws.OpText, frame)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame.
func (p *Peer) WritePing() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return ws.WriteFrame(conn, ws.NewPingFrame(nil))
}

// attachWebSocket moves the session onto conn, writes ack and then flushes
// the frames that were queued for polling. Sends racing the flush wait on
// writeMu, so frame order is kept. It returns the number of frames flushed.
func (p *Peer) attachWebSocket(conn net.Conn, ack []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPeerClosed
	}
	pending := p.queue
	p.queue = nil
	p.transport = transport.NameWebSocket
	p.conn = conn
	p.lastSeen = time.Now()
	p.mu.Unlock()

	// Release a long-poll still parked on the old transport.
	p.signal()

	if err := writeFrame(conn, ack); err != nil {
		return 0, err
	}
	for i, frame := range pending {
		if err := writeFrame(conn, frame); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// take waits up to wait for queued frames and returns them. It returns
// early when the peer is closed, upgraded or ctx is done.
func (p *Peer) take(ctx context.Context, wait time.Duration) [][]byte {
	p.touch()
	defer p.touch()

	if frames := p.drain(); len(frames) > 0 {
		return frames
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.wake:
	case <-t.C:
	case <-ctx.Done():
	}
	return p.drain()
}

func (p *Peer) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport != transport.NamePolling {
		return nil
	}
	frames := p.queue
	p.queue = nil
	return frames
}

func (p *Peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) idle(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen)
}

// close marks the peer closed and closes its socket, if any. It reports
// whether this call closed it.
func (p *Peer) close() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.signal()
	return true
}
