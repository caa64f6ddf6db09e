package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rollcall"

var (
	// CodesIssued counts session codes generated by professors.
	CodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_codes_issued_total",
		Help:      "Session codes generated.",
	})

	// TokenRequests counts token requests by outcome (ok or lower-cased error kind).
	TokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_requests_total",
		Help:      "Attendance token requests by outcome.",
	}, []string{"outcome"})

	// TokenRedemptions counts confirmation attempts by outcome.
	TokenRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_redemptions_total",
		Help:      "Attendance token confirmations by outcome.",
	}, []string{"outcome"})

	// Transitions counts attendance state machine actions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attendance_transitions_total",
		Help:      "Attendance state machine actions by action and outcome.",
	}, []string{"action", "outcome"})

	// Dispatches counts hand-offs of tokens to the delivery queue.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_dispatches_total",
		Help:      "Token hand-offs to the delivery queue by outcome.",
	}, []string{"outcome"})

	// EmailDeliveries counts e-mails sent by the worker per backend.
	EmailDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "email_deliveries_total",
		Help:      "Token e-mails by backend and outcome.",
	}, []string{"backend", "outcome"})

	// GeofenceDistance observes how far devices were from the institution center.
	GeofenceDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geofence_distance_meters",
		Help:      "Distance between device and institution center on token requests.",
		Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 5000, 20000},
	})

	// RateLimited counts rejected requests per limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter.",
	}, []string{"limiter"})
)
