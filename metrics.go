package netcode

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opd-ai/netcode/connection"
)

// Metrics exposes protocol health through prometheus collectors. Attach
// one to a Manager with SetMetrics; it is refreshed on every Update.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	MeanRTTSeconds    prometheus.Gauge

	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	Resends         prometheus.Counter
	PacketsDropped  prometheus.Counter
	Duplicates      prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcode",
			Name:      "active_connections",
			Help:      "Number of entries in the connection table.",
		}),
		MeanRTTSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "netcode",
			Name:      "mean_rtt_seconds",
			Help:      "Mean smoothed round-trip time across connected peers.",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_packets_sent_total",
			Help:      "Reliable frames transmitted, including resends.",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_packets_received_total",
			Help:      "Reliable frames received and parsed.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_bytes_sent_total",
			Help:      "Payload bytes transmitted by the reliable layer.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_bytes_received_total",
			Help:      "Payload bytes received by the reliable layer.",
		}),
		Resends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_resends_total",
			Help:      "Retransmissions triggered by retransmission timeouts.",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_packets_dropped_total",
			Help:      "Reliable packets abandoned after exhausting resends.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "netcode",
			Name:      "reliable_duplicates_total",
			Help:      "Duplicate reliable frames suppressed by the receive window.",
		}),
	}
}

// counterDelta guards against stats resets producing negative deltas.
func counterDelta(current, previous uint64) float64 {
	if current < previous {
		return float64(current)
	}
	return float64(current - previous)
}

// updateMetrics publishes the latest snapshot after each tick.
func (m *Manager) updateMetrics() {
	m.mu.Lock()
	metrics := m.metrics
	conns := m.connectionList()
	m.mu.Unlock()

	if metrics == nil {
		return
	}

	metrics.ActiveConnections.Set(float64(len(conns)))

	var rttSum float64
	var rttCount int
	for _, conn := range conns {
		if conn.State() != connection.StateConnected {
			continue
		}
		if rtt := conn.Stats().RTT; rtt > 0 {
			rttSum += rtt.Seconds()
			rttCount++
		}
	}
	if rttCount > 0 {
		metrics.MeanRTTSeconds.Set(rttSum / float64(rttCount))
	} else {
		metrics.MeanRTTSeconds.Set(0)
	}

	stats := m.endpoint.TotalStats()
	m.mu.Lock()
	prev := m.lastEndpointStats
	m.lastEndpointStats = stats
	m.mu.Unlock()

	metrics.PacketsSent.Add(counterDelta(stats.PacketsSent, prev.PacketsSent))
	metrics.PacketsReceived.Add(counterDelta(stats.PacketsReceived, prev.PacketsReceived))
	metrics.BytesSent.Add(counterDelta(stats.BytesSent, prev.BytesSent))
	metrics.BytesReceived.Add(counterDelta(stats.BytesReceived, prev.BytesReceived))
	metrics.Resends.Add(counterDelta(stats.Resends, prev.Resends))
	metrics.PacketsDropped.Add(counterDelta(stats.Dropped, prev.Dropped))
	metrics.Duplicates.Add(counterDelta(stats.Duplicates, prev.Duplicates))
}
