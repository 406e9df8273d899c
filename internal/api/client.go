// Package api is the REST client for the voltwork backend. It carries the
// chat send fallback used while the realtime link is down, conversation
// history and push token registration.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is returned for any other non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Code, e.Body)
}

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string               `json:"content"`
	MessageType protocol.MessageType `json:"messageType"`
}

// PushTokenRequest is the body of POST /api/push-tokens.
type PushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Client talks to the REST API with the same bearer token the realtime
// handshake uses.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	logger  zerolog.Logger
}

// NewClient returns a client for baseURL. A zero timeout means 15s.
func NewClient(baseURL string, timeout time.Duration, tokens auth.TokenSource, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger.With().Str(logging.FieldComponent, "api").Logger(),
	}
}

// SendMessage posts a message and returns the stored copy with its server id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, messageType protocol.MessageType) (protocol.Message, error) {
	if messageType == "" {
		messageType = protocol.MessageText
	}
	var msg protocol.Message
	err := c.do(ctx, "send_message", http.MethodPost, messagesPath(conversationID),
		SendMessageRequest{Content: content, MessageType: messageType}, &msg)
	if err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// Messages returns the conversation history, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	if err := c.do(ctx, "messages", http.MethodGet, messagesPath(conversationID), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RegisterPushToken associates a device push token with the current user.
func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	return c.do(ctx, "register_push_token", http.MethodPost, "/api/push-tokens",
		PushTokenRequest{Token: token, Platform: platform}, nil)
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.APILatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("api: %s: %w", op, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api: %s: %w", op, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode: %w", op, err)
	}
	return nil
}
