// Package metrics declares the Prometheus collectors for the readings
// pipeline and the HTTP API. Collectors register on the default registry and
// are served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tick results.
const (
	TickOK      = "ok"
	TickError   = "error"
	TickSkipped = "skipped"
)

// Delivery results.
const (
	DeliverySent   = "sent"
	DeliveryBusy   = "busy"
	DeliveryClosed = "closed"
)

var (
	PollerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquacua_poller_ticks_total",
			Help: "Poll ticks by result (ok, error, skipped)",
		},
		[]string{"result"},
	)

	PollerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aquacua_poller_tick_duration_seconds",
			Help:    "Duration of poll ticks that ran to completion or failure",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollerEventsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aquacua_poller_events_emitted_total",
			Help: "Reading events handed to the broadcaster",
		},
	)

	PollerWatermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquacua_poller_watermark",
			Help: "Highest reading id already emitted",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aquacua_stream_subscribers",
			Help: "Currently registered websocket subscribers",
		},
	)

	StreamDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquacua_stream_deliveries_total",
			Help: "Per-subscriber delivery attempts by result",
		},
		[]string{"result"},
	)

	StreamRejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquacua_stream_rejected_connections_total",
			Help: "Websocket connections rejected before registration",
		},
		[]string{"reason"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquacua_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
