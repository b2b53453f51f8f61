package quic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics is a prometheus.Collector exposing the congestion and
// loss-detection state of a single Connection. It reads directly from the
// CongestionController and per-space LossDetectors on every Collect call
// rather than caching, so scraped values always reflect the live window.
type ConnectionMetrics struct {
	conn *Connection

	cwnd            *prometheus.Desc
	bytesInFlight   *prometheus.Desc
	slowStartThresh *prometheus.Desc
	pacingRate      *prometheus.Desc
	smoothedRTT     *prometheus.Desc
	minRTT          *prometheus.Desc
	rttVariance     *prometheus.Desc
	packetsSent     *prometheus.Desc
	packetsAcked    *prometheus.Desc
	packetsLost     *prometheus.Desc
}

// NewConnectionMetrics builds a collector for conn, labeled with its local
// and remote addresses so a registry scraping many connections can tell
// them apart.
func NewConnectionMetrics(conn *Connection) *ConnectionMetrics {
	labels := []string{"local_addr", "remote_addr"}
	return &ConnectionMetrics{
		conn: conn,
		cwnd: prometheus.NewDesc(
			"quic_congestion_window_bytes",
			"Current congestion window size.",
			labels, nil,
		),
		bytesInFlight: prometheus.NewDesc(
			"quic_bytes_in_flight",
			"Bytes sent but not yet acknowledged or declared lost.",
			labels, nil,
		),
		slowStartThresh: prometheus.NewDesc(
			"quic_slow_start_threshold_bytes",
			"Slow start threshold.",
			labels, nil,
		),
		pacingRate: prometheus.NewDesc(
			"quic_pacing_rate_bytes_per_second",
			"Current send pacing rate.",
			labels, nil,
		),
		smoothedRTT: prometheus.NewDesc(
			"quic_smoothed_rtt_seconds",
			"Smoothed round-trip time estimate.",
			labels, nil,
		),
		minRTT: prometheus.NewDesc(
			"quic_min_rtt_seconds",
			"Minimum observed round-trip time.",
			labels, nil,
		),
		rttVariance: prometheus.NewDesc(
			"quic_rtt_variance_seconds",
			"Round-trip time variance.",
			labels, nil,
		),
		packetsSent: prometheus.NewDesc(
			"quic_packets_sent_total",
			"Packets sent on this connection.",
			labels, nil,
		),
		packetsAcked: prometheus.NewDesc(
			"quic_packets_acked_total",
			"Packets acknowledged by the peer.",
			labels, nil,
		),
		packetsLost: prometheus.NewDesc(
			"quic_packets_lost_total",
			"Packets declared lost.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (m *ConnectionMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.cwnd
	ch <- m.bytesInFlight
	ch <- m.slowStartThresh
	ch <- m.pacingRate
	ch <- m.smoothedRTT
	ch <- m.minRTT
	ch <- m.rttVariance
	ch <- m.packetsSent
	ch <- m.packetsAcked
	ch <- m.packetsLost
}

// Collect implements prometheus.Collector.
func (m *ConnectionMetrics) Collect(ch chan<- prometheus.Metric) {
	c := m.conn
	local, remote := addrString(c.localAddr), addrString(c.remoteAddr)

	cc := c.congestion
	minRTT, smoothed, variance := cc.GetRTT()
	sent, acked, lost, _ := cc.GetStatistics()

	ch <- prometheus.MustNewConstMetric(m.cwnd, prometheus.GaugeValue, float64(cc.GetCongestionWindow()), local, remote)
	ch <- prometheus.MustNewConstMetric(m.bytesInFlight, prometheus.GaugeValue, float64(cc.GetBytesInFlight()), local, remote)
	ch <- prometheus.MustNewConstMetric(m.slowStartThresh, prometheus.GaugeValue, float64(cc.GetSlowStartThreshold()), local, remote)
	ch <- prometheus.MustNewConstMetric(m.pacingRate, prometheus.GaugeValue, float64(cc.GetPacingRate()), local, remote)
	ch <- prometheus.MustNewConstMetric(m.smoothedRTT, prometheus.GaugeValue, smoothed.Seconds(), local, remote)
	ch <- prometheus.MustNewConstMetric(m.minRTT, prometheus.GaugeValue, minRTT.Seconds(), local, remote)
	ch <- prometheus.MustNewConstMetric(m.rttVariance, prometheus.GaugeValue, variance.Seconds(), local, remote)
	ch <- prometheus.MustNewConstMetric(m.packetsSent, prometheus.CounterValue, float64(sent), local, remote)
	ch <- prometheus.MustNewConstMetric(m.packetsAcked, prometheus.CounterValue, float64(acked), local, remote)
	ch <- prometheus.MustNewConstMetric(m.packetsLost, prometheus.CounterValue, float64(lost), local, remote)
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
