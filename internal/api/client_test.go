package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltwork/messaging/internal/auth"
	"github.com/voltwork/messaging/internal/metrics"
	"github.com/voltwork/messaging/internal/protocol"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second, auth.StaticToken("tok-1"), zerolog.Nop())
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Content)
		assert.Equal(t, protocol.MessageText, body.MessageType)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: body.Content})
	})

	msg, err := c.SendMessage(context.Background(), "c1", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "hello", msg.Content)
}

func TestSendMessage_RecordsLatencyOnce(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.Message{ID: "srv-2"})
	})
	samples := func() uint64 {
		var m dto.Metric
		require.NoError(t, metrics.APILatency.WithLabelValues("send_message").(prometheus.Metric).Write(&m))
		return m.GetHistogram().GetSampleCount()
	}

	before := samples()
	_, err := c.SendMessage(context.Background(), "c1", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, before+1, samples())
}

func TestMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode([]protocol.Message{{ID: "m1"}, {ID: "m2"}})
	})

	msgs, err := c.Messages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestRegisterPushToken(t *testing.T) {
	var got PushTokenRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/push-tokens", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.RegisterPushToken(context.Background(), "ExponentPushToken[x]", "android"))
	assert.Equal(t, PushTokenRequest{Token: "ExponentPushToken[x]", Platform: "android"}, got)
}

func TestErrors(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := c.Messages(context.Background(), "c1")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("server error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "database down", http.StatusServiceUnavailable)
		})
		_, err := c.SendMessage(context.Background(), "c1", "hi", protocol.MessageText)

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusServiceUnavailable, se.Code)
		assert.Equal(t, "database down", se.Body)
	})

	t.Run("no token", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", time.Second, auth.StaticToken(""), zerolog.Nop())
		_, err := c.Messages(context.Background(), "c1")
		assert.ErrorIs(t, err, auth.ErrNoToken)
	})
}
