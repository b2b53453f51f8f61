package quic

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
)

func TestAckedPacketNumbersNoRanges(t *testing.T) {
	f := &AckFrame{LargestAcked: 5}
	got := ackedPacketNumbers(f)
	want := []uint64{5}
	if !equalUint64s(got, want) {
		t.Errorf("ackedPacketNumbers() = %v, want %v", got, want)
	}
}

func TestAckedPacketNumbersSingleRange(t *testing.T) {
	// Largest=10, one range of length 3 immediately below it: acks 8,9,10.
	f := &AckFrame{
		LargestAcked: 10,
		Ranges:       []AckRange{{Gap: 0, Length: 3}},
	}
	got := ackedPacketNumbers(f)
	want := []uint64{8, 9, 10}
	if !equalUint64s(got, want) {
		t.Errorf("ackedPacketNumbers() = %v, want %v", got, want)
	}
}

func TestAckedPacketNumbersWithGap(t *testing.T) {
	// Largest=10, first range length 2 (9,10), gap of 1 (skip one unacked
	// packet number), then a second range of length 2 covering (6,7).
	f := &AckFrame{
		LargestAcked: 10,
		Ranges: []AckRange{
			{Gap: 0, Length: 2},
			{Gap: 1, Length: 2},
		},
	}
	got := ackedPacketNumbers(f)
	want := []uint64{9, 10, 6, 7}
	if !equalUint64s(got, want) {
		t.Errorf("ackedPacketNumbers() = %v, want %v", got, want)
	}
}

func equalUint64s(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint64]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

func newPipelineTestConn(t *testing.T) *Connection {
	t.Helper()
	clock := clockwork.NewFakeClock()
	conn := &Connection{
		isClient:          true,
		clock:             clock,
		outbound:          make(chan Frame, 16),
		hasReceivedPacket: make(map[PacketNumberSpace]bool),
		largestReceived:   make(map[PacketNumberSpace]uint64),
		pendingAcks:       make(map[PacketNumberSpace]bool),
		nextPacketNumber: map[PacketNumberSpace]uint64{
			PacketSpaceInitial:     0,
			PacketSpaceHandshake:   0,
			PacketSpaceApplication: 0,
		},
		congestion: NewCongestionController(),
	}
	conn.lossDetectors = map[PacketNumberSpace]*LossDetector{
		PacketSpaceInitial:     NewLossDetector(PacketSpaceInitial, clock),
		PacketSpaceHandshake:   NewLossDetector(PacketSpaceHandshake, clock),
		PacketSpaceApplication: NewLossDetector(PacketSpaceApplication, clock),
	}
	for _, ld := range conn.lossDetectors {
		ld.SetCallbacks(conn.onPacketLost, conn.onPacketAcked)
	}
	return conn
}

func TestRecordReceivedPacketNumberTracksLargest(t *testing.T) {
	conn := newPipelineTestConn(t)

	conn.recordReceivedPacketNumber(PacketSpaceApplication, 3)
	conn.recordReceivedPacketNumber(PacketSpaceApplication, 7)
	conn.recordReceivedPacketNumber(PacketSpaceApplication, 5) // out of order, smaller

	if !conn.hasReceivedPacket[PacketSpaceApplication] {
		t.Fatal("hasReceivedPacket should be set after any received packet")
	}
	if conn.largestReceived[PacketSpaceApplication] != 7 {
		t.Errorf("largestReceived = %d, want 7", conn.largestReceived[PacketSpaceApplication])
	}
}

func TestBuildAckFrameReturnsNilBeforeAnyPacketReceived(t *testing.T) {
	conn := newPipelineTestConn(t)
	if ack := conn.buildAckFrame(PacketSpaceApplication); ack != nil {
		t.Error("buildAckFrame should return nil when nothing has been received yet")
	}
}

func TestBuildAckFrameReflectsLargestReceived(t *testing.T) {
	conn := newPipelineTestConn(t)
	conn.recordReceivedPacketNumber(PacketSpaceApplication, 42)

	ack := conn.buildAckFrame(PacketSpaceApplication)
	if ack == nil {
		t.Fatal("buildAckFrame should not be nil once a packet has been received")
	}
	if ack.LargestAcked != 42 {
		t.Errorf("LargestAcked = %d, want 42", ack.LargestAcked)
	}
}

func TestMaybeSendMaxDataGrowsWindowPastHalfConsumed(t *testing.T) {
	conn := newPipelineTestConn(t)
	conn.ctx = context.Background()
	conn.flow = NewFlowController(10, 0)

	if err := conn.flow.RecordDataReceived(6); err != nil {
		t.Fatalf("RecordDataReceived: %v", err)
	}

	conn.maybeSendMaxData()

	_, _, newMax, _ := conn.flow.GetConnectionStats()
	if newMax <= 10 {
		t.Fatalf("connection-level recv window = %d, want it doubled past 10", newMax)
	}

	select {
	case frame := <-conn.outbound:
		md, ok := frame.(*MaxDataFrame)
		if !ok {
			t.Fatalf("queued frame is %T, want *MaxDataFrame", frame)
		}
		if md.MaximumData != newMax {
			t.Errorf("MaxDataFrame.MaximumData = %d, want %d", md.MaximumData, newMax)
		}
	default:
		t.Fatal("crossing the window-update threshold should have queued a MAX_DATA frame")
	}
}

func TestDrainOutboundFramesRespectsBudget(t *testing.T) {
	conn := newPipelineTestConn(t)
	for i := 0; i < 3; i++ {
		conn.outbound <- &PingFrame{}
	}

	frames := conn.drainOutboundFrames(PacketSpaceApplication)
	if len(frames) != 3 {
		t.Errorf("drainOutboundFrames returned %d frames, want 3", len(frames))
	}
	if len(conn.outbound) != 0 {
		t.Error("drainOutboundFrames should have emptied the channel")
	}
}

func TestRequeueFramesPutsFramesBack(t *testing.T) {
	conn := newPipelineTestConn(t)
	frames := []Frame{&PingFrame{}, &PingFrame{}}

	conn.requeueFrames(frames)

	if len(conn.outbound) != 2 {
		t.Errorf("outbound channel has %d frames after requeue, want 2", len(conn.outbound))
	}
}

func TestCurrentWriteLevelPrefersHighestInstalledKeys(t *testing.T) {
	conn := newPipelineTestConn(t)

	if got := conn.currentWriteLevel(); got != EncryptionLevelInitial {
		t.Errorf("currentWriteLevel() with no keys = %v, want Initial", got)
	}

	conn.handshakeKeys = &CryptoKeys{}
	if got := conn.currentWriteLevel(); got != EncryptionLevelHandshake {
		t.Errorf("currentWriteLevel() with handshake keys = %v, want Handshake", got)
	}

	conn.applicationKeys = &CryptoKeys{}
	if got := conn.currentWriteLevel(); got != EncryptionLevelApplication {
		t.Errorf("currentWriteLevel() with application keys = %v, want Application", got)
	}
}

func TestFramesToBytesRoundTripsThroughAppendTo(t *testing.T) {
	frames := []Frame{&PingFrame{}, &PingFrame{}}
	buf, err := framesToBytes(frames)
	if err != nil {
		t.Fatalf("framesToBytes: %v", err)
	}
	if len(buf) != 2 {
		t.Errorf("framesToBytes produced %d bytes for two PING frames, want 2", len(buf))
	}
}

func TestPacketNumberLenFor(t *testing.T) {
	cases := []struct {
		pn   uint64
		want int
	}{
		{0, 1},
		{1<<8 - 1, 1},
		{1 << 8, 2},
		{1<<16 - 1, 2},
		{1 << 16, 3},
		{1<<24 - 1, 3},
		{1 << 24, 4},
	}
	for _, tc := range cases {
		if got := packetNumberLenFor(tc.pn); got != tc.want {
			t.Errorf("packetNumberLenFor(%d) = %d, want %d", tc.pn, got, tc.want)
		}
	}
}
