// Package observability provides logging, metrics, and tracing.
//
// It exposes Prometheus collectors for stream ingestion, opportunity routing,
// leader election, and the HTTP status surface.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// StreamMessagesTotal counts stream messages by stream and outcome (ok, error, dropped).
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Total number of stream messages processed by outcome",
		},
		[]string{"stream", "outcome"},
	)
	// DLQWritesTotal counts dead-letter envelopes by originating stream.
	DLQWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_writes_total",
			Help: "Total number of dead-letter queue writes",
		},
		[]string{"stream"},
	)
	// OpportunitiesSeenTotal counts opportunities accepted into the store.
	OpportunitiesSeenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opportunities_seen_total",
			Help: "Total number of opportunities accepted",
		},
	)
	// ExecutionsForwardedTotal counts opportunities forwarded to the execution stream.
	ExecutionsForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executions_forwarded_total",
			Help: "Total number of execution requests forwarded",
		},
	)
	// ExecutionsSucceededTotal counts successful execution results.
	ExecutionsSucceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executions_succeeded_total",
			Help: "Total number of successful executions reported",
		},
	)
	// ProfitTotalUSD accumulates realized profit from execution results.
	ProfitTotalUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "profit_total_usd",
			Help: "Cumulative realized profit in USD",
		},
	)
	// LeaderGauge is 1 while this instance holds the leader lock.
	LeaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_is_leader",
			Help: "Whether this instance is the elected leader",
		},
	)
	// SystemHealthGauge is the aggregated fleet health percentage.
	SystemHealthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_health_percent",
			Help: "Aggregated system health percentage",
		},
	)
	// ActiveServicesGauge is the number of currently healthy services.
	ActiveServicesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_services",
			Help: "Number of healthy services",
		},
	)
	// PendingOpportunitiesGauge is the current opportunity store size.
	PendingOpportunitiesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_opportunities",
			Help: "Number of opportunities currently in the store",
		},
	)
	// ActivePairsGauge is the number of tracked active trading pairs.
	ActivePairsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_pairs",
			Help: "Number of trading pairs with recent activity",
		},
	)
	// AlertsTotal counts outbound alerts by type and severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Total number of alerts fired",
		},
		[]string{"type", "severity"},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StreamMessagesTotal,
		DLQWritesTotal,
		OpportunitiesSeenTotal,
		ExecutionsForwardedTotal,
		ExecutionsSucceededTotal,
		ProfitTotalUSD,
		LeaderGauge,
		SystemHealthGauge,
		ActiveServicesGauge,
		PendingOpportunitiesGauge,
		ActivePairsGauge,
		AlertsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
