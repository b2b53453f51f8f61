package quic

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonboulle/clockwork"
)

func newMetricsTestConn(t *testing.T) *Connection {
	t.Helper()
	clock := clockwork.NewFakeClock()
	conn := &Connection{
		clock:      clock,
		localAddr:  &mockAddr{network: "udp", address: "127.0.0.1:4433"},
		remoteAddr: &mockAddr{network: "udp", address: "10.0.0.1:9999"},
		congestion: NewCongestionController(),
	}
	return conn
}

func TestConnectionMetricsDescribeEmitsAllDescs(t *testing.T) {
	conn := newMetricsTestConn(t)
	m := NewConnectionMetrics(conn)

	ch := make(chan *prometheus.Desc, 32)
	m.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 10 {
		t.Errorf("Describe emitted %d descs, want 10", count)
	}
}

func TestConnectionMetricsCollectReflectsLiveState(t *testing.T) {
	conn := newMetricsTestConn(t)
	now := time.Now()
	conn.congestion.OnPacketSent(1200, 1, now)
	conn.congestion.OnPacketAcked(1200, 1, 20*time.Millisecond, now.Add(20*time.Millisecond))

	m := NewConnectionMetrics(conn)

	ch := make(chan prometheus.Metric, 32)
	m.Collect(ch)
	close(ch)

	metrics := make(map[string]*dto.Metric)
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		desc := metric.Desc().String()
		metrics[desc] = &pb
	}

	if len(metrics) != 10 {
		t.Fatalf("Collect emitted %d distinct metrics, want 10", len(metrics))
	}

	var sawCounterValueOne bool
	for _, pb := range metrics {
		for _, l := range pb.Label {
			if l.GetName() == "local_addr" && l.GetValue() != "127.0.0.1:4433" {
				t.Errorf("local_addr label = %q, want 127.0.0.1:4433", l.GetValue())
			}
			if l.GetName() == "remote_addr" && l.GetValue() != "10.0.0.1:9999" {
				t.Errorf("remote_addr label = %q, want 10.0.0.1:9999", l.GetValue())
			}
		}
		if pb.Counter != nil && pb.Counter.GetValue() == 1 {
			sawCounterValueOne = true
		}
	}

	if !sawCounterValueOne {
		t.Error("expected at least one counter metric (packets sent or acked) with value 1")
	}
}

func TestConnectionMetricsCollectHandlesNilAddrs(t *testing.T) {
	conn := &Connection{congestion: NewCongestionController()}
	m := NewConnectionMetrics(conn)

	ch := make(chan prometheus.Metric, 32)
	m.Collect(ch)
	close(ch)

	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			t.Fatalf("Write with nil addrs: %v", err)
		}
	}
}
