package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Geocode lookup outcomes
const (
	GeocodeHit   = "hit"
	GeocodeMiss  = "miss"
	GeocodeError = "error"
)

// Collector defines the interface for collecting gateway metrics
type Collector interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordBroadcast(recipients, failed int)
	RecordRPC(method string, code int, duration time.Duration)
	RecordTimeSync(success bool, succeeded, total int, offset time.Duration)
	RecordGeocode(outcome string)
}

// NoOpCollector is a no-op implementation for when metrics aren't needed
type NoOpCollector struct{}

func (NoOpCollector) ConnectionOpened() {}
func (NoOpCollector) ConnectionClosed() {}
func (NoOpCollector) RecordBroadcast(recipients, failed int) {}
func (NoOpCollector) RecordRPC(method string, code int, d time.Duration) {}
func (NoOpCollector) RecordTimeSync(ok bool, succeeded, total int, offset time.Duration) {}
func (NoOpCollector) RecordGeocode(outcome string) {}

// PrometheusCollector implements Collector using Prometheus
type PrometheusCollector struct {
	activeConnections prometheus.Gauge
	totalConnections  prometheus.Counter
	broadcasts        prometheus.Counter
	broadcastSends    *prometheus.CounterVec
	rpcRequests       *prometheus.CounterVec
	rpcDuration       *prometheus.HistogramVec
	syncCycles        *prometheus.CounterVec
	syncSources       prometheus.Gauge
	syncOffset        prometheus.Gauge
	geocodeLookups    *prometheus.CounterVec
}

// NewPrometheusCollector registers the gateway metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "The current number of active WebSocket sessions.",
		}),
		totalConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "The total number of WebSocket sessions accepted.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_broadcasts_total",
			Help: "The total number of fan-out broadcasts.",
		}),
		broadcastSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broadcast_sends_total",
			Help: "Per-recipient broadcast sends by status.",
		}, []string{"status"}),
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_messages_total",
			Help: "The total number of dispatched RPC messages by method and result code.",
		}, []string{"method", "code"}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_message_duration_seconds",
			Help:    "Time spent dispatching RPC messages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		syncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ntp_sync_cycles_total",
			Help: "The total number of NTP sync cycles by status.",
		}, []string{"status"}),
		syncSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ntp_sync_sources_ok",
			Help: "Number of NTP sources that answered in the last cycle.",
		}),
		syncOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ntp_offset_seconds",
			Help: "Offset applied to the local clock after the last successful sync.",
		}),
		geocodeLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "geocode_lookups_total",
			Help: "Reverse geocode lookups by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *PrometheusCollector) ConnectionOpened() {
	m.activeConnections.Inc()
	m.totalConnections.Inc()
}

func (m *PrometheusCollector) ConnectionClosed() {
	m.activeConnections.Dec()
}

func (m *PrometheusCollector) RecordBroadcast(recipients, failed int) {
	m.broadcasts.Inc()
	m.broadcastSends.WithLabelValues("ok").Add(float64(recipients - failed))
	m.broadcastSends.WithLabelValues("failed").Add(float64(failed))
}

func (m *PrometheusCollector) RecordRPC(method string, code int, duration time.Duration) {
	m.rpcRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *PrometheusCollector) RecordTimeSync(success bool, succeeded, total int, offset time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.syncCycles.WithLabelValues(status).Inc()
	m.syncSources.Set(float64(succeeded))
	if success {
		m.syncOffset.Set(offset.Seconds())
	}
}

func (m *PrometheusCollector) RecordGeocode(outcome string) {
	m.geocodeLookups.WithLabelValues(outcome).Inc()
}
