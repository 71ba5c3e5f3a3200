package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Total number of payments created",
	})

	PaymentsPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_paid_total",
		Help: "Total number of payments that reached PAID",
	})

	ChargesSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charges_submitted_total",
		Help: "Total number of charge submissions sent to the gateway",
	})

	ChargesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charges_failed_total",
		Help: "Total number of failed charge attempts",
	}, []string{"reason"})

	SignatureFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signature_verification_failures_total",
		Help: "Total number of signed order batches rejected",
	})

	ThreedsChallengesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threeds_challenges_created_total",
		Help: "Total number of 3DS challenges persisted",
	})

	ThreedsCompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threeds_completions_total",
		Help: "Total number of 3DS challenge completions",
	}, []string{"outcome"})

	GatewayRequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	})

	GatewayUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_unavailable_total",
		Help: "Total number of gateway calls that failed at the HTTP layer",
	})

	NotificationsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Total number of payment notifications published",
	})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of payment notifications that failed to publish",
	})

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
