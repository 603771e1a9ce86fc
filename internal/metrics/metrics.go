package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for roomrelay.
//
// A nil *Metrics is valid: every helper method is a no-op on a nil receiver,
// so brokers can be built without instrumentation in tests.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	ActiveRooms       *prometheus.GaugeVec
	PublishesTotal    *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	PersistDuration   prometheus.Histogram
	DocumentBytes     prometheus.Counter
	DroppedPeersTotal *prometheus.CounterVec
	BreakerOpen       prometheus.Gauge
}

// New creates all metrics and registers them with reg. Passing nil registers
// with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_connections_total",
			Help: "Upgrade attempts by route kind and outcome",
		}, []string{"kind", "result"}),
		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomrelay_active_connections",
			Help: "Current open WebSocket connections",
		}, []string{"kind"}),
		ActiveRooms: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomrelay_active_rooms",
			Help: "Rooms with at least one subscriber",
		}, []string{"kind"}),
		PublishesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_chat_publishes_total",
			Help: "Chat publish attempts by outcome",
		}, []string{"result"}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_deliveries_total",
			Help: "Frames enqueued to room members",
		}, []string{"kind"}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomrelay_persist_duration_seconds",
			Help:    "Time spent persisting a chat message",
			Buckets: prometheus.DefBuckets,
		}),
		DocumentBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_document_bytes_total",
			Help: "Bytes relayed through document rooms (per frame, not per recipient)",
		}),
		DroppedPeersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_dropped_peers_total",
			Help: "Peers pruned from rooms by reason",
		}, []string{"kind", "reason"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_store_breaker_open",
			Help: "Store circuit breaker state (1=open, 0=closed or half-open)",
		}),
	}
}

// Upgrade records an upgrade attempt.
func (m *Metrics) Upgrade(kind, result string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(kind, result).Inc()
}

// ConnOpened and ConnClosed track the active connection gauge.
func (m *Metrics) ConnOpened(kind string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(kind).Inc()
}

func (m *Metrics) ConnClosed(kind string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(kind).Dec()
}

// Rooms sets the active room gauge for kind.
func (m *Metrics) Rooms(kind string, n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.WithLabelValues(kind).Set(float64(n))
}

// Publish records the outcome of a chat publish.
func (m *Metrics) Publish(result string, persist time.Duration) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(result).Inc()
	if persist > 0 {
		m.PersistDuration.Observe(persist.Seconds())
	}
}

// Delivered records n enqueued frames for kind.
func (m *Metrics) Delivered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DeliveriesTotal.WithLabelValues(kind).Add(float64(n))
}

// Relayed records one relayed document frame.
func (m *Metrics) Relayed(size int) {
	if m == nil {
		return
	}
	m.DocumentBytes.Add(float64(size))
}

// Dropped records a pruned peer.
func (m *Metrics) Dropped(kind, reason string) {
	if m == nil {
		return
	}
	m.DroppedPeersTotal.WithLabelValues(kind, reason).Inc()
}

// Breaker records the store breaker state.
func (m *Metrics) Breaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
