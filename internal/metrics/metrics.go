package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askstream_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askstream_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askstream_relay_requests_total",
			Help: "Total relay requests by outcome",
		},
		[]string{"outcome"}, // "streamed", "upstream_status", "empty_body", "bad_request", "upstream_error", "saturated"
	)

	RelayActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askstream_relay_active_streams",
			Help: "Relayed streams currently open",
		},
	)

	RelayBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askstream_relay_bytes_total",
			Help: "Bytes copied from the upstream to relay clients",
		},
	)

	// Chat metrics
	ChatSubmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askstream_chat_submissions_total",
			Help: "Total queries submitted from the web chat",
		},
	)

	ChatRoomsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "askstream_chat_rooms_open",
			Help: "Chats currently held open by a submission or a browser",
		},
	)

	ChatStreamsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askstream_chat_streams_finished_total",
			Help: "Upstream connections of the web chat by how they finished",
		},
		[]string{"result"}, // "done", "error"
	)

	// Reference upstream metrics
	UpstreamAnswers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askstream_upstream_answers_total",
			Help: "Answers produced by the reference upstream",
		},
		[]string{"result"}, // "ok", "empty_query", "llm_error"
	)
)
