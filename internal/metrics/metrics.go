package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for admission and webhook delivery.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactly_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transactly_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transactly_rate_limited_total",
			Help: "Requests rejected with 429 by the token bucket",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transactly_idempotent_replays_total",
			Help: "Responses served from the idempotency cache",
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactly_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome (delivered, retry, dead)",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transactly_webhook_delivery_duration_seconds",
			Help:    "Duration of outbound webhook POSTs",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transactly_webhook_reaped_total",
			Help: "Outbox rows returned to pending after a stale delivering lease",
		},
	)

	MaintenanceRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactly_maintenance_removed_total",
			Help: "Items removed by maintenance jobs",
		},
		[]string{"job"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transactly_outbox_pending",
			Help: "Outbox rows waiting for delivery, sampled each dispatcher tick",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			RateLimitedTotal,
			IdempotentReplaysTotal,
			WebhookDeliveriesTotal,
			WebhookDeliveryDuration,
			WebhookReapedTotal,
			MaintenanceRemovedTotal,
			OutboxPending,
		)
	})
}
