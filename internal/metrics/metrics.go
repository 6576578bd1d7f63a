// Package metrics owns the service's Prometheus registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route template, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PlanRuns counts optimization requests by outcome
	PlanRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_plans_total", Help: "Route optimization runs by outcome."},
		[]string{"outcome"},
	)
	// RouteStops tracks the number of stops per planned route
	RouteStops = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "route_stops", Help: "Stops per planned route.", Buckets: []float64{1, 2, 5, 10, 20, 50, 100}},
	)
	// DirectionsRequests counts directions provider calls by provider and status
	DirectionsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "directions_requests_total", Help: "Directions provider calls by provider and status."},
		[]string{"provider", "status"},
	)
	// DirectionsLatency tracks provider latency in seconds
	DirectionsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "directions_request_duration_seconds", Help: "Directions provider latency in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}},
		[]string{"provider"},
	)
	// RegistryRejected counts device records dropped at the registry boundary
	RegistryRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "registry_records_rejected_total", Help: "Device records rejected as malformed."},
		[]string{"reason"},
	)
	// ReadingsIngested counts telemetry readings by source
	ReadingsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "readings_ingested_total", Help: "Telemetry readings applied by source and status."},
		[]string{"source", "status"},
	)
	// StreamReconnects counts upstream stream reconnect attempts
	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "upstream_stream_reconnects_total", Help: "Upstream event stream reconnect attempts."},
	)
	// WebhookDeliveries counts webhook delivery outcomes
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by outcome."},
		[]string{"status"},
	)
	// RoutesPruned counts routes removed by the retention job
	RoutesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "routes_pruned_total", Help: "Routes deleted by retention."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			PlanRuns, RouteStops,
			DirectionsRequests, DirectionsLatency,
			RegistryRejected, ReadingsIngested,
			StreamReconnects, RoutesPruned,
			WebhookDeliveries,
		)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
