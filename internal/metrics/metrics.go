package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persona_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	InboundMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persona_inbound_messages_total",
			Help: "Total inbound messages accepted by the orchestrator",
		},
	)

	GenerationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persona_generation_failures_total",
			Help: "Replies that could not be generated",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_persistence_failures_total",
			Help: "Turn store failures tolerated by the pipeline",
		},
		[]string{"op"}, // "append_user", "append_agent", "load_context"
	)

	PacingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_pacing_decisions_total",
			Help: "Pacing decisions by outcome",
		},
		[]string{"long_pause", "split"},
	)

	// Delivery metrics
	DeliveriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persona_deliveries_scheduled_total",
			Help: "Delivery tasks registered with the scheduler",
		},
	)

	DeliveriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persona_deliveries_completed_total",
			Help: "Delivery tasks that fired",
		},
		[]string{"status"}, // "fired" or "failed"
	)

	DeliveriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persona_deliveries_pending",
			Help: "Delivery tasks waiting for their send time",
		},
	)

	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persona_delivery_send_seconds",
			Help:    "Delivery collaborator call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)
