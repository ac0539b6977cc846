package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanregistry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanregistry_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// AuthFailuresTotal counts rejected bearer tokens by reason
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_http_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_http_panics_recovered_total",
			Help: "Total number of handler panics turned into 500 responses",
		},
	)
)

// RecordAuthFailure increments the auth failure counter.
func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// Metrics records request counts and latencies per route. Websocket
// sessions are counted once, when they upgrade.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			route := normalizePath(r.URL.Path)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			if rec.status != http.StatusSwitchingProtocols {
				httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// normalizePath replaces scan ids with a placeholder to keep label
// cardinality bounded.
//
//	/api/v1/scans/123e4567-e89b-12d3-a456-426614174000/progress -> /api/v1/scans/{id}/progress
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(s string) bool {
	if len(s) == 36 {
		if _, err := uuid.Parse(s); err == nil {
			return true
		}
	}
	if s == "" || len(s) > 20 {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
