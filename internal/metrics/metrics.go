// Package metrics exposes the Prometheus instruments shared by the relay and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pactum"

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	roomsActive      prometheus.Gauge
	peersConnected   prometheus.Gauge
	messagesRelayed  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	replicaPersisted *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// New registers the instruments against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(registry, registry)
}

// NewWithRegistry registers the instruments against the provided registerer.
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		gatherer: gatherer,
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms_active",
			Help:      "Rooms with at least one connected peer",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "peers_connected",
			Help:      "Peers currently joined to any room",
		}),
		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_relayed_total",
			Help:      "Room protocol messages delivered to peers",
		}, []string{"type"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Room protocol messages dropped",
		}, []string{"reason"}),
		replicaPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "replica_writes_total",
			Help:      "Replica log writes by kind and outcome",
		}, []string{"kind", "outcome"}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by outcome",
		}, []string{"outcome"}),
		statusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "status_changes_total",
			Help:      "Status transition attempts by requested status and outcome",
		}, []string{"status", "outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RoomOpened records a room becoming active.
func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.roomsActive.Inc()
}

// RoomClosed records a room becoming idle.
func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.roomsActive.Dec()
}

// PeerJoined records a peer joining a room.
func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.peersConnected.Inc()
}

// PeerLeft records a peer leaving a room.
func (m *Metrics) PeerLeft() {
	if m == nil {
		return
	}
	m.peersConnected.Dec()
}

// MessageRelayed records one delivery of a protocol message.
func (m *Metrics) MessageRelayed(messageType string) {
	if m == nil {
		return
	}
	m.messagesRelayed.WithLabelValues(messageType).Inc()
}

// MessageDropped records a dropped protocol message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// ReplicaWrite records a replica log write.
func (m *Metrics) ReplicaWrite(kind string, err error) {
	if m == nil {
		return
	}
	m.replicaPersisted.WithLabelValues(kind, outcome(err)).Inc()
}

// SnapshotAttempt records a snapshot request.
func (m *Metrics) SnapshotAttempt(err error) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(outcome(err)).Inc()
}

// StatusChangeAttempt records a status transition request.
func (m *Metrics) StatusChangeAttempt(requested string, err error) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(requested, outcome(err)).Inc()
}

// ObserveHTTP records a completed HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
