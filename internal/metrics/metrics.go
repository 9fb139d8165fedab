package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsByStatus tracks the number of entitlement records in each
	// cached status.
	RecordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "entitle",
		Subsystem: "core",
		Name:      "records_by_status",
		Help:      "Number of entitlement records by cached status.",
	}, []string{"status"})

	// CheckoutSessionsTotal counts checkout-initiation attempts by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "core",
		Name:      "checkout_sessions_total",
		Help:      "Total checkout session creations by outcome.",
	}, []string{"outcome"})

	// ConfirmationsTotal counts confirmation attempts by outcome.
	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "core",
		Name:      "confirmations_total",
		Help:      "Total payment confirmations by outcome.",
	}, []string{"outcome"})

	// GatewayRequestDuration tracks payment gateway call latency.
	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitle",
		Subsystem: "core",
		Name:      "gateway_request_duration_seconds",
		Help:      "Payment gateway request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// SweepTransitionsTotal counts status transitions applied by the
	// background sweeper.
	SweepTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitle",
		Subsystem: "core",
		Name:      "sweep_transitions_total",
		Help:      "Entitlement status transitions applied by the sweeper.",
	}, []string{"to"})
)
