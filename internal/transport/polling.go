package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltwork/messaging/internal/protocol"
)

// PollingPath is the long-poll endpoint prefix on the realtime server.
const PollingPath = "/poll"

// ErrSessionGone is returned when the server no longer knows the polling
// session, e.g. after heartbeat eviction.
var ErrSessionGone = errors.New("transport: polling session gone")

// PollingDialer connects over HTTP long-polling:
//
//	POST   /poll/connect  auth frame -> connect or connect_error frame
//	GET    /poll/<sid>    -> JSON array of pending frames (may be empty)
//	POST   /poll/<sid>    one frame
//	DELETE /poll/<sid>    close the session
type PollingDialer struct {
	Client *http.Client // defaults to a client without timeout; requests are bound by context
	Path   string       // defaults to PollingPath
}

func (d PollingDialer) Name() string { return NamePolling }

func (d PollingDialer) Dial(ctx context.Context, baseURL, token string) (Transport, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	path := d.Path
	if path == "" {
		path = PollingPath
	}
	base, err := endpoint(baseURL, path, false)
	if err != nil {
		return nil, err
	}

	auth, err := protocol.NewFrame(protocol.EventAuth, protocol.AuthPayload{Token: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/connect", bytes.NewReader(auth))
	if err != nil {
		return nil, fmt.Errorf("polling: build connect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling: connect: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polling: read connect response: %w", err)
	}
	ack, err := readAck(body)
	if err != nil {
		return nil, err
	}
	if ack.SessionID == "" {
		return nil, fmt.Errorf("polling: connect ack without session id")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{
		client: client,
		url:    base + "/" + ack.SessionID,
		sid:    ack.SessionID,
		ctx:    pollCtx,
		cancel: cancel,
	}, nil
}

// pollingTransport buffers each poll response and hands frames out one by
// one from Receive.
type pollingTransport struct {
	client *http.Client
	url    string
	sid    string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	draining atomic.Bool
	pending  []json.RawMessage
}

func (t *pollingTransport) Name() string      { return NamePolling }
func (t *pollingTransport) SessionID() string { return t.sid }

func (t *pollingTransport) Send(frame []byte) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("polling: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("polling: send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("polling: send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Drain stops polling once the request in flight returns. The server
// answers that request as soon as the session moves to another transport.
func (t *pollingTransport) Drain() {
	t.draining.Store(true)
}

func (t *pollingTransport) Receive() ([]byte, error) {
	for len(t.pending) == 0 {
		if t.draining.Load() {
			t.Close()
			return nil, ErrClosed
		}
		if err := t.poll(); err != nil {
			return nil, err
		}
	}
	next := t.pending[0]
	t.pending = t.pending[1:]
	return next, nil
}

func (t *pollingTransport) poll() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("polling: build poll request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("polling: poll: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionGone
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("polling: poll: unexpected status %d", resp.StatusCode)
	}

	var frames []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		if t.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("polling: decode poll response: %w", err)
	}
	t.pending = append(t.pending, frames...)
	return nil
}

// Close aborts the in-flight poll and tells the server to drop the session.
func (t *pollingTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		resp, doErr := t.client.Do(req)
		if doErr != nil {
			err = fmt.Errorf("polling: close: %w", doErr)
			return
		}
		resp.Body.Close()
	})
	return err
}
