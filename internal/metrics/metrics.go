// Package metrics exposes Prometheus metrics for the connection registry,
// the broadcast engine and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magic"

// Metrics holds every collector on a private registry, so tests can create as
// many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Connection lifecycle
	ActiveConnections prometheus.Gauge
	Connects          prometheus.Counter
	Disconnects       *prometheus.CounterVec
	Heartbeats        prometheus.Counter

	// Broadcast
	Broadcasts        *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram
	BroadcastTargets  prometheus.Histogram
	Deliveries        *prometheus.CounterVec
	DeliveryRetries   prometheus.Counter

	// Sweeper
	Sweeps          prometheus.Counter
	SweepEvictions  prometheus.Counter
	SweepFailures   prometheus.Counter
	SweepDuration   prometheus.Histogram
	ScannedSessions prometheus.Gauge

	// Event bus
	BusPublishes       *prometheus.CounterVec
	BusPublishDuration *prometheus.HistogramVec
	BusHandled         *prometheus.CounterVec
	BusHandleDuration  *prometheus.HistogramVec

	// HTTP
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates the collectors and registers them with Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections registered through this process and not yet inactive",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connections registered",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connections marked inactive by reason",
		}, []string{"reason"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat signals applied",
		}),

		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast calls by result",
		}, []string{"result"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a broadcast call",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		BroadcastTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_targets",
			Help:      "Connections resolved per broadcast",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-connection delivery outcomes",
		}, []string{"outcome"}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Delivery attempts repeated after a transient failure",
		}),

		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Stale sweeps run",
		}),
		SweepEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_evictions_total",
			Help:      "Connections evicted by the stale sweeper",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Evictions the stale sweeper could not complete",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a stale sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		ScannedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_active_connections",
			Help:      "Active connections seen in the registry by the last sweep",
		}),

		BusPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publishes_total",
			Help:      "Events published on the bus by topic and result",
		}, []string{"topic", "result"}),
		BusPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_duration_seconds",
			Help:      "Latency of bus publishes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"topic"}),
		BusHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handled_total",
			Help:      "Events handled by bus subscribers by topic and result",
		}, []string{"topic", "result"}),
		BusHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_handle_duration_seconds",
			Help:      "Time spent in bus subscribers, including relayed broadcasts",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"topic"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveConnections, m.Connects, m.Disconnects, m.Heartbeats,
		m.Broadcasts, m.BroadcastDuration, m.BroadcastTargets, m.Deliveries, m.DeliveryRetries,
		m.Sweeps, m.SweepEvictions, m.SweepFailures, m.SweepDuration, m.ScannedSessions,
		m.BusPublishes, m.BusPublishDuration, m.BusHandled, m.BusHandleDuration,
		m.HTTPRequests, m.HTTPDuration, m.HTTPRequestsInFlight,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionOpened records a registered connection.
func (m *Metrics) ConnectionOpened() {
	m.Connects.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a connection going inactive.
func (m *Metrics) ConnectionClosed(reason string) {
	m.Disconnects.WithLabelValues(reason).Inc()
	m.ActiveConnections.Dec()
}

// HeartbeatReceived records an applied heartbeat.
func (m *Metrics) HeartbeatReceived() {
	m.Heartbeats.Inc()
}

// BroadcastCompleted records one broadcast call and its delivery outcomes.
func (m *Metrics) BroadcastCompleted(targeted, delivered, evicted, failed int, elapsed time.Duration, err error) {
	m.Broadcasts.WithLabelValues(result(err)).Inc()
	m.BroadcastDuration.Observe(elapsed.Seconds())
	if err != nil {
		return
	}
	m.BroadcastTargets.Observe(float64(targeted))
	m.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.Deliveries.WithLabelValues("evicted").Add(float64(evicted))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
}

// DeliveryRetried records a delivery attempt repeated after a transient failure.
func (m *Metrics) DeliveryRetried() {
	m.DeliveryRetries.Inc()
}

// SweepCompleted records one stale sweep.
func (m *Metrics) SweepCompleted(scanned, evicted, failed int, elapsed time.Duration) {
	m.Sweeps.Inc()
	m.SweepEvictions.Add(float64(evicted))
	m.SweepFailures.Add(float64(failed))
	m.SweepDuration.Observe(elapsed.Seconds())
	m.ScannedSessions.Set(float64(scanned))
}

// RecordBusPublish records an event bus publish.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	m.BusPublishes.WithLabelValues(topic, result(err)).Inc()
	m.BusPublishDuration.WithLabelValues(topic).Observe(latency.Seconds())
}

// RecordBusHandle records one subscriber run.
func (m *Metrics) RecordBusHandle(topic string, latency time.Duration, err error) {
	m.BusHandled.WithLabelValues(topic, result(err)).Inc()
	m.BusHandleDuration.WithLabelValues(topic).Observe(latency.Seconds())
}

// RecordHTTP records a served HTTP request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// statusCode groups uncommon status codes by class to bound label cardinality.
func statusCode(code int) string {
	switch code {
	case 200, 201, 202, 204, 400, 404, 409, 410, 429, 500, 502, 503:
		return strconv.Itoa(code)
	}
	if code >= 100 && code < 600 {
		return strconv.Itoa(code/100) + "xx"
	}
	return strconv.Itoa(code)
}
