package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of checkout payment attempts",
	}, []string{"method"})

	PaymentResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_results_total",
		Help: "Checkout payment results by method and status",
	}, []string{"method", "status"})

	PaymentValidationFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_validation_failed_total",
		Help: "Payment requests rejected by validation, by rule",
	}, []string{"code"})

	PaymentProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of checkout payment dispatch",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	CardIntentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "card_intent_latency_seconds",
		Help:    "Latency of card payment intent creation",
		Buckets: prometheus.DefBuckets,
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Provider callback deliveries by provider and outcome",
	}, []string{"provider", "outcome"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"status"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_cancellations_total",
		Help: "Customer cancellation attempts by outcome",
	}, []string{"outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Customer notifications by event type and result",
	}, []string{"event_type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
