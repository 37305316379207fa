package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus registry and meters. Each server
// owns its registry so several servers can live in one test binary.
type Metrics struct {
	Registry         *prometheus.Registry
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	RoomSubscribers  prometheus.Gauge
	RoomEvents       *prometheus.CounterVec
	StreamChunks     *prometheus.CounterVec
	InvitationsTotal *prometheus.CounterVec
}

// NewMetrics creates a registry with the standard cipherchat meters
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cipherchat_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cipherchat_room_subscribers",
		Help: "Open websocket room subscriptions.",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_room_events_total",
		Help: "Room events relayed to subscribers, by type.",
	}, []string{"type"})

	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_stream_chunks_total",
		Help: "Assistant stream chunks written, by final status.",
	}, []string{"status"})

	invitations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherchat_invitations_total",
		Help: "Invitation operations by kind.",
	}, []string{"op"})

	reg.MustRegister(requests, duration, subscribers, events, chunks, invitations)

	return &Metrics{
		Registry:         reg,
		HTTPRequests:     requests,
		HTTPDuration:     duration,
		RoomSubscribers:  subscribers,
		RoomEvents:       events,
		StreamChunks:     chunks,
		InvitationsTotal: invitations,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
