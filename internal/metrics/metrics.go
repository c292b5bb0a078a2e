package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook deliveries by outcome (accepted, unauthorized, handshake, ...)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_requests_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"platform", "outcome"},
	)

	// Verification metrics
	VerificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_verification_failures_total",
			Help: "Total number of deliveries rejected by signature verification",
		},
		[]string{"platform"},
	)

	UnverifiedAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_unverified_accepted_total",
			Help: "Total number of deliveries accepted without a configured credential",
		},
		[]string{"platform"},
	)

	// Event mapping metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_events_total",
			Help: "Total number of canonical events mapped from deliveries",
		},
		[]string{"platform", "kind"},
	)

	// Session enrichment metrics
	SessionUpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botgate_session_update_duration_seconds",
			Help:    "Duration of session enrichment in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	SessionUpdateErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_session_update_errors_total",
			Help: "Total number of failed session enrichments",
		},
		[]string{"platform"},
	)
)
