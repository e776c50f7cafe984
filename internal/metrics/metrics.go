package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Кадры чата
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_frames_total",
			Help: "Inbound frames by action and final stage",
		},
		[]string{"action", "stage"},
	)

	FrameDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_frame_duration_seconds",
			Help:    "Time from frame receipt to handler completion",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"action"},
	)

	// Доставка
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_pushes_total",
			Help: "Push attempts by outcome",
		},
		[]string{"outcome"}, // delivered|pruned|failed
	)

	RecipientsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_recipients_skipped_total",
			Help: "Recipients skipped because the registry was unavailable",
		},
	)

	RelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Cross-instance relay messages",
		},
		[]string{"direction"}, // published|received|gone
	)

	// Соединения
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections_active",
			Help: "Open WebSocket connections on this instance",
		},
	)

	RegistryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_registry_latency_seconds",
			Help:    "Connection registry lookup latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
