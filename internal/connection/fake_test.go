package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/voltwork/messaging/internal/transport"
)

// fakeTransport is an in-memory link. Frames pushed with deliver are
// returned by Receive; Send records outbound frames.
type fakeTransport struct {
	name string
	sid  string

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	// hold, when set, keeps the first Receive open until it is closed, like
	// a long-poll request the server has not answered yet.
	hold      chan struct{}
	drained   chan struct{}
	drainOnce sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport(name, sid string) *fakeTransport {
	return &fakeTransport{
		name:    name,
		sid:     sid,
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
}

func (f *fakeTransport) Name() string      { return f.name }
func (f *fakeTransport) SessionID() string { return f.sid }

func (f *fakeTransport) Send(frame []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	if f.hold != nil {
		<-f.hold
		f.hold = nil
	}
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	case <-f.drained:
		select {
		case data := <-f.inbound:
			return data, nil
		default:
		}
		f.Close()
		return nil, transport.ErrClosed
	}
}

// Drain ends the link once the frames already delivered are read.
func (f *fakeTransport) Drain() {
	f.drainOnce.Do(func() { close(f.drained) })
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(frame []byte) { f.inbound <- frame }

// drop simulates the server going away.
func (f *fakeTransport) drop() { f.Close() }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

var errDialRefused = errors.New("dial refused")

// fakeDialer hands out transports according to its fail switch and records
// every dial.
type fakeDialer struct {
	name string

	dials    atomic.Int32
	upgrades atomic.Int32
	fail     atomic.Bool

	// hold and preload configure the next dialed transport.
	hold    chan struct{}
	preload [][]byte

	mu     sync.Mutex
	issued []*fakeTransport
}

func (d *fakeDialer) Name() string { return d.name }

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ string) (transport.Transport, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errDialRefused
	}
	t := newFakeTransport(d.name, "sid-"+d.name)
	t.hold = d.hold
	for _, frame := range d.preload {
		t.inbound <- frame
	}
	d.mu.Lock()
	d.issued = append(d.issued, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) Upgrade(ctx context.Context, baseURL, token, sessionID string) (transport.Transport, error) {
	d.upgrades.Add(1)
	if d.fail.Load() {
		return nil, errDialRefused
	}
	t := newFakeTransport(d.name, sessionID)
	d.mu.Lock()
	d.issued = append(d.issued, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.issued) == 0 {
		return nil
	}
	return d.issued[len(d.issued)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.issued)
}
