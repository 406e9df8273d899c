// Package metrics provides Prometheus instrumentation for the voltwork
// messaging client and dev server. It exposes gauges for connection state,
// counters for event and message throughput, and histograms for latency
// tracking.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connected is 1 while the realtime connection is established.
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voltwork_realtime_connected",
		Help: "Whether the realtime connection is currently established",
	})

	// ActiveTransport tracks which transport carries the live connection,
	// labeled by transport name.
	ActiveTransport = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voltwork_realtime_active_transport",
		Help: "Transport currently carrying the realtime connection",
	}, []string{"transport"})

	// DialsTotal counts transport dial attempts, labeled by transport and
	// result: "ok" or "error".
	DialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_realtime_dials_total",
		Help: "Total number of transport dial attempts",
	}, []string{"transport", "result"})

	// ReconnectAttempts counts reconnection attempts after a failed dial or a
	// lost connection.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voltwork_realtime_reconnect_attempts_total",
		Help: "Total number of reconnection attempts",
	})

	// ConnectDuration records the time from Connect to resolution.
	ConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voltwork_realtime_connect_duration_seconds",
		Help:    "Time from connect request to resolution",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	// EventsTotal counts inbound events dispatched, labeled by router channel.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_events_total",
		Help: "Total number of inbound events dispatched",
	}, []string{"channel"})

	// EventsDropped counts inbound frames dropped before dispatch, labeled by
	// reason: "malformed", "unknown" or "stale".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_events_dropped_total",
		Help: "Total number of inbound frames dropped",
	}, []string{"reason"})

	// HandlerPanics counts subscriber handlers that panicked.
	HandlerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_handler_panics_total",
		Help: "Total number of recovered subscriber panics",
	}, []string{"channel"})

	// MessagesTotal counts outbound chat messages, labeled by path:
	// "realtime", "fallback" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_messages_total",
		Help: "Total number of outbound chat messages",
	}, []string{"path"})

	// APILatency records REST request latency in seconds.
	APILatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voltwork_api_latency_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation"})

	// NotificationsTotal counts notifications handled by the dispatcher,
	// labeled by outcome: "alerted", "self", "active" or "stored".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_notifications_total",
		Help: "Total number of notifications handled",
	}, []string{"outcome"})

	// PeersTotal tracks the dev server's connected peers.
	PeersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voltwork_devserver_peers",
		Help: "Current number of connected dev server peers",
	}, []string{"transport"})

	// FramesRelayed counts frames the dev server delivered, labeled by event.
	FramesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltwork_devserver_frames_total",
		Help: "Total number of frames delivered by the dev server",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		Connected,
		ActiveTransport,
		DialsTotal,
		ReconnectAttempts,
		ConnectDuration,
		EventsTotal,
		EventsDropped,
		HandlerPanics,
		MessagesTotal,
		APILatency,
		NotificationsTotal,
		PeersTotal,
		FramesRelayed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return <-errc
}
