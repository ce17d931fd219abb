// Package metrics provides Prometheus metrics for tapstack.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for tapstack.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Link metrics
	FramesTotal   *prometheus.CounterVec
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter
	DriverErrors  *prometheus.CounterVec

	// Drop metrics
	PacketsDropped *prometheus.CounterVec

	// ARP metrics
	ARPMessages          *prometheus.CounterVec
	ARPPendingOverwrites prometheus.Counter
	ARPPendingFlushed    prometheus.Counter
	ARPCacheEntries      prometheus.Gauge
	ARPPendingSlots      prometheus.Gauge

	// IP metrics
	IPDatagramsSent *prometheus.CounterVec
	IPFragmentsSent prometheus.Counter

	// ICMP and UDP metrics
	ICMPMessages  *prometheus.CounterVec
	UDPDatagrams  *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Link metrics
	m.FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_frames_total",
			Help: "Total number of Ethernet frames",
		},
		[]string{"direction", "ethertype"},
	)

	m.BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_bytes_received_total",
			Help: "Total frame bytes read from the driver",
		},
	)

	m.BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_bytes_sent_total",
			Help: "Total frame bytes written to the driver",
		},
	)

	m.DriverErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_driver_errors_total",
			Help: "Total number of frame driver errors",
		},
		[]string{"op"},
	)

	m.PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_packets_dropped_total",
			Help: "Total number of packets dropped, by layer and reason",
		},
		[]string{"layer", "reason"},
	)

	// ARP metrics
	m.ARPMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_arp_messages_total",
			Help: "Total number of ARP messages",
		},
		[]string{"direction", "op"},
	)

	m.ARPPendingOverwrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_arp_pending_overwrites_total",
			Help: "Pending sends discarded because the queue was saturated",
		},
	)

	m.ARPPendingFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_arp_pending_flushed_total",
			Help: "Pending sends transmitted after resolution completed",
		},
	)

	m.ARPCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapstack_arp_cache_entries",
			Help: "Number of valid ARP cache entries",
		},
	)

	m.ARPPendingSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapstack_arp_pending_slots",
			Help: "Number of occupied pending-send slots",
		},
	)

	// IP metrics
	m.IPDatagramsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_ip_datagrams_sent_total",
			Help: "Total number of IP datagrams sent, by protocol",
		},
		[]string{"protocol"},
	)

	m.IPFragmentsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tapstack_ip_fragments_sent_total",
			Help: "Total number of IP fragments emitted",
		},
	)

	m.ICMPMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_icmp_messages_total",
			Help: "Total number of ICMP messages sent, by kind",
		},
		[]string{"kind"},
	)

	m.UDPDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_udp_datagrams_total",
			Help: "Total number of UDP datagrams",
		},
		[]string{"direction"},
	)

	m.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapstack_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"type"},
	)

	// System metrics
	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapstack_uptime_seconds",
			Help: "Stack uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapstack_goroutines",
			Help: "Number of goroutines",
		},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.FramesTotal,
		m.BytesReceived,
		m.BytesSent,
		m.DriverErrors,
		m.PacketsDropped,
		m.ARPMessages,
		m.ARPPendingOverwrites,
		m.ARPPendingFlushed,
		m.ARPCacheEntries,
		m.ARPPendingSlots,
		m.IPDatagramsSent,
		m.IPFragmentsSent,
		m.ICMPMessages,
		m.UDPDatagrams,
		m.RateLimitHits,
		m.Uptime,
		m.GoRoutines,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFrame records a frame crossing the driver boundary.
func (m *Metrics) RecordFrame(direction, etherType string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, etherType).Inc()
	switch direction {
	case "in":
		m.BytesReceived.Add(float64(size))
	case "out":
		m.BytesSent.Add(float64(size))
	}
}

// RecordDriverError records a failed driver read or write.
func (m *Metrics) RecordDriverError(op string) {
	if m == nil {
		return
	}
	m.DriverErrors.WithLabelValues(op).Inc()
}

// RecordDrop records a silently dropped packet.
func (m *Metrics) RecordDrop(layer, reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(layer, reason).Inc()
}

// RecordARP records an ARP message received or sent.
func (m *Metrics) RecordARP(direction, op string) {
	if m == nil {
		return
	}
	m.ARPMessages.WithLabelValues(direction, op).Inc()
}

// RecordPendingOverwrite records a pending send lost to queue saturation.
func (m *Metrics) RecordPendingOverwrite() {
	if m == nil {
		return
	}
	m.ARPPendingOverwrites.Inc()
}

// RecordPendingFlush records a queued packet released after resolution.
func (m *Metrics) RecordPendingFlush() {
	if m == nil {
		return
	}
	m.ARPPendingFlushed.Inc()
}

// RecordDatagram records one IP send and the number of fragments it produced.
func (m *Metrics) RecordDatagram(protocol string, fragments int) {
	if m == nil {
		return
	}
	m.IPDatagramsSent.WithLabelValues(protocol).Inc()
	m.IPFragmentsSent.Add(float64(fragments))
}

// RecordICMP records an ICMP message handled or emitted, by kind.
func (m *Metrics) RecordICMP(kind string) {
	if m == nil {
		return
	}
	m.ICMPMessages.WithLabelValues(kind).Inc()
}

// RecordUDP records a UDP datagram delivered or sent.
func (m *Metrics) RecordUDP(direction string) {
	if m == nil {
		return
	}
	m.UDPDatagrams.WithLabelValues(direction).Inc()
}

// RecordRateLimit records a rate limit hit.
func (m *Metrics) RecordRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
