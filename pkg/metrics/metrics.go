// Package metrics exposes the Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts handled requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careconnect_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration records request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "careconnect_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// DonationsCreated counts donations submitted.
	DonationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careconnect_donations_created_total",
		Help: "Total number of donations created",
	})

	// DonationTransitions counts status writes by previous and new status.
	DonationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careconnect_donation_status_transitions_total",
		Help: "Donation status changes by from/to status",
	}, []string{"from", "to"})

	// CarePointsAwarded sums awarded care points.
	CarePointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careconnect_care_points_awarded_total",
		Help: "Total care points awarded to donors",
	})

	// AuthEvents counts session transitions by auth event.
	AuthEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careconnect_auth_events_total",
		Help: "Auth state change events handled by session stores",
	}, []string{"event"})

	// ActiveSessions is the number of live session stores.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "careconnect_active_sessions",
		Help: "Number of live client session stores",
	})

	// StaleResultsDropped counts completions discarded because a newer request superseded them.
	StaleResultsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careconnect_stale_results_dropped_total",
		Help: "Results discarded because a newer request superseded them",
	}, []string{"kind"})

	// SignOutTimeouts counts sign-outs that exceeded the bounded wait.
	SignOutTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "careconnect_sign_out_timeouts_total",
		Help: "Sign-outs that exceeded the bounded wait",
	})
)

// ObserveRequest records one handled request.
func ObserveRequest(method, route string, status int, start time.Time) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
