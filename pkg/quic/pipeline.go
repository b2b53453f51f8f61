package quic

import (
	"time"
)

// Packet pipeline: the inbound path decodes a UDP datagram into one or more
// QUIC packets, removes packet and header protection for the matching
// encryption level, parses frames, and dispatches each to its owner
// (TLS handler, stream manager, loss detector, ...). The outbound path does
// the reverse: frames queued by any part of the connection are drained into
// one packet at the highest encryption level whose keys are installed,
// protected, and written to the wire as a datagram of its own (packets of
// different levels are not coalesced). The congestion window and the pacer
// gate each send; frames they hold back stay queued for the next pass.

const maxDatagramSize = MaxPacketSize

// processInboundDatagram decodes every coalesced packet in one UDP datagram
// and routes it to the right encryption level. Unprotectable packets (wrong
// keys not yet installed, corrupted protection) are dropped silently per
// RFC 9000 Section 12.2, since an on-path attacker must not be able to tell
// protected garbage from a dropped packet by provoking a reply.
func (c *Connection) processInboundDatagram(data []byte) error {
	for len(data) > 0 {
		consumed, err := c.processOneInboundPacket(data)
		if err != nil || consumed <= 0 {
			return err
		}
		data = data[consumed:]
	}
	return nil
}

func (c *Connection) processOneInboundPacket(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	isLongHeader := data[0]&HeaderFormLong != 0

	// The Length field (long header) isn't covered by header protection, so
	// a plain ParsePacket on the still-protected bytes already tells us where
	// a long-header packet ends within a coalesced datagram. A short-header
	// packet runs to the end of the datagram and is not parsed here: its
	// reserved bits are still masked, and ParsePacket rejects nonzero ones.
	destLen := c.localConnID.Len()
	peek, n := &Packet{}, len(data)
	if isLongHeader {
		var err error
		if peek, n, err = ParsePacket(data, destLen); err != nil {
			return len(data), nil
		}
	}
	if n <= 0 || n > len(data) {
		n = len(data)
	}

	if peek.Header.Type == PacketTypeVersionNeg {
		_ = c.handleVersionNegotiation(peek)
		return n, nil
	}

	if isLongHeader && peek.Header.Type == PacketTypeRetry {
		if err := c.handleRetry(peek); err != nil {
			c.logger.WithError(err).Debug("rejected retry packet")
		}
		return n, nil
	}

	level := c.levelForPacket(data, isLongHeader)
	keys := c.keysForLevel(level)
	if keys == nil {
		// Keys for this level aren't installed yet (e.g. a Handshake
		// packet arriving before we've finished deriving handshake
		// secrets); buffering out-of-order flights isn't implemented,
		// so this piece of the datagram is dropped and will be recovered
		// by the peer's loss detection.
		return n, nil
	}

	space := spaceForLevel(level)
	largestPN := int64(-1)
	c.mu.Lock()
	if c.hasReceivedPacket[space] {
		largestPN = int64(c.largestReceived[space])
	}
	c.mu.Unlock()

	packet, err := keys.UnprotectPacket(data[:n], destLen, largestPN)
	if err != nil {
		return n, nil
	}

	if isLongHeader && packet.Header.Type == PacketTypeHandshake {
		if err := c.lockDestConnIDOnHandshake(packet.Header.SrcConnID); err != nil {
			return n, nil
		}
	}

	c.recordReceivedPacketNumber(space, packet.Header.PacketNumber)
	if err := c.dispatchFrames(packet.Payload, space, level); err != nil {
		return n, err
	}

	return n, nil
}

// levelForPacket determines which encryption level a still-protected
// datagram belongs to, from its header bits alone.
func (c *Connection) levelForPacket(data []byte, isLongHeader bool) EncryptionLevel {
	if !isLongHeader {
		return EncryptionLevelApplication
	}
	typeBits := data[0] & 0x30
	switch typeBits {
	case LongHeaderTypeInitial:
		return EncryptionLevelInitial
	case LongHeaderType0RTT:
		return EncryptionLevelEarlyData
	case LongHeaderTypeHandshake:
		return EncryptionLevelHandshake
	default:
		return EncryptionLevelInitial
	}
}

// recordReceivedPacketNumber tracks the largest packet number seen per
// space, feeding buildAckFrame's ACK generation.
func (c *Connection) recordReceivedPacketNumber(space PacketNumberSpace, pn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasReceivedPacket[space] || pn > c.largestReceived[space] {
		c.largestReceived[space] = pn
	}
	c.hasReceivedPacket[space] = true
}

// dispatchFrames parses and routes every frame in a decrypted packet
// payload, per the frame-type table in RFC 9000 Section 19.
func (c *Connection) dispatchFrames(payload []byte, space PacketNumberSpace, level EncryptionLevel) error {
	ackEliciting := false

	for len(payload) > 0 {
		frame, n, err := ParseFrame(payload)
		if err != nil {
			return wrapf(ErrProtocolViolation, "parse frame")
		}
		payload = payload[n:]

		switch f := frame.(type) {
		case *PaddingFrame, *PingFrame:
			// Ping is ack-eliciting but otherwise inert; fall through.
			ackEliciting = true

		case *CryptoFrame:
			ackEliciting = true
			if err := c.tlsHandler.HandleCryptoFrame(f, level); err != nil {
				return wrapf(err, "handle crypto frame")
			}

		case *AckFrame:
			c.handleAckFrame(f, space)

		case *StreamFrame:
			ackEliciting = true
			stream := c.streams.GetStream(f.StreamID)
			if err := stream.handleStreamFrame(f); err != nil {
				return wrapf(err, "handle stream frame")
			}
			if err := c.flow.RecordDataReceived(uint64(len(f.Data))); err != nil {
				return wrapf(ErrCodeFlowControlError, "connection flow control")
			}
			c.maybeSendMaxData()

		case *ResetStreamFrame:
			ackEliciting = true
			stream := c.streams.GetStream(f.StreamID)
			if err := stream.handleResetStream(f); err != nil {
				return wrapf(err, "handle reset_stream")
			}

		case *StopSendingFrame:
			ackEliciting = true
			stream := c.streams.GetStream(f.StreamID)
			if err := stream.handleStopSending(f); err != nil {
				return wrapf(err, "handle stop_sending")
			}

		case *MaxDataFrame:
			ackEliciting = true
			c.flow.UpdatePeerMaxData(f.MaximumData)

		case *PathChallengeFrame:
			ackEliciting = true
			response := c.migration.HandlePathChallenge(f.Data[:])
			var respFrame PathResponseFrame
			copy(respFrame.Data[:], response)
			c.queueFrame(&respFrame)

		case *PathResponseFrame:
			ackEliciting = true
			if err := c.migration.ValidatePathResponse(f.Data[:], c.remoteAddr); err != nil {
				c.logger.WithError(err).Debug("unsolicited path response")
			}

		case *ConnectionCloseFrame:
			c.enterDraining(wrapf(QuicError(f.ErrorCode), "peer closed connection: %s", string(f.ReasonPhrase)))

		case *HandshakeDoneFrame:
			ackEliciting = true

		default:
			ackEliciting = true
		}
	}

	if ackEliciting {
		c.pendingAcks[space] = true
		c.signalWriteReady()
	}

	return nil
}

// maybeSendMaxData grows the connection-level receive window and
// advertises it once more than half of it has been consumed, mirroring the
// per-stream window-update decision in Stream.maybeSendMaxStreamData.
func (c *Connection) maybeSendMaxData() {
	if !c.flow.ShouldSendMaxData() {
		return
	}
	_, _, maxData, _ := c.flow.GetConnectionStats()
	newMax := c.flow.UpdateMaxData(maxData) // double the window
	c.queueFrame(&MaxDataFrame{MaximumData: newMax})
}

func (c *Connection) handleAckFrame(f *AckFrame, space PacketNumberSpace) {
	ackDelay := time.Duration(f.AckDelay) * time.Microsecond

	acked := ackedPacketNumbers(f)
	c.lossDetectors[space].OnAckReceived(f.LargestAcked, ackDelay, acked, c.clock.Now())
}

// ackedPacketNumbers expands an AckFrame's (largest, ranges) encoding into
// the individual packet numbers it covers.
func ackedPacketNumbers(f *AckFrame) []uint64 {
	var acked []uint64
	largest := f.LargestAcked

	first := true
	for _, r := range f.Ranges {
		if first {
			for pn := largest - r.Length + 1; pn <= largest; pn++ {
				acked = append(acked, pn)
			}
			largest -= r.Length
			first = false
			continue
		}
		largest -= r.Gap + 1
		for pn := largest - r.Length + 1; pn <= largest; pn++ {
			acked = append(acked, pn)
		}
		largest -= r.Length
	}
	if len(f.Ranges) == 0 {
		acked = append(acked, largest)
	}
	return acked
}

// flushOutbound drains the outbound frame queue into packets and writes
// them to the wire. The congestion window and the pacer gate how much leaves
// in one pass; anything left queued waits for the next write-ready signal.
func (c *Connection) flushOutbound() error {
	for {
		level := c.currentWriteLevel()
		space := spaceForLevel(level)

		frames := c.drainOutboundFrames(space)
		if len(frames) == 0 && !c.pendingAcks[space] {
			return nil
		}

		if c.pendingAcks[space] {
			if ack := c.buildAckFrame(space); ack != nil {
				frames = append(frames, ack)
			}
			c.pendingAcks[space] = false
		}

		if len(frames) == 0 {
			return nil
		}

		payload, err := framesToBytes(frames)
		if err != nil {
			return wrapf(err, "encode outbound frames")
		}

		if !c.congestion.CanSend(uint64(len(payload))) {
			c.requeueFrames(frames)
			return nil
		}
		if !c.congestion.PacingAllowance(len(payload)) {
			c.requeueFrames(frames)
			return nil
		}

		if err := c.sendProtectedPacket(payload, level, space); err != nil {
			return err
		}
	}
}

func (c *Connection) currentWriteLevel() EncryptionLevel {
	if c.applicationKeysReady() {
		return EncryptionLevelApplication
	}
	if c.handshakeKeysReady() {
		return EncryptionLevelHandshake
	}
	return EncryptionLevelInitial
}

func (c *Connection) applicationKeysReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applicationKeys != nil
}

func (c *Connection) handshakeKeysReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshakeKeys != nil
}

func (c *Connection) drainOutboundFrames(space PacketNumberSpace) []Frame {
	var frames []Frame
	budget := maxDatagramSize

	for budget > 0 {
		select {
		case f := <-c.outbound:
			frames = append(frames, f)
			budget -= frameSizeEstimate(f)
		default:
			return frames
		}
	}
	return frames
}

func (c *Connection) requeueFrames(frames []Frame) {
	for _, f := range frames {
		select {
		case c.outbound <- f:
		default:
			// Outbound queue is full; drop rather than block the
			// executor goroutine. The peer's loss detection recovers
			// anything that mattered via retransmission at the frame
			// layer (CRYPTO, STREAM) once we resend.
		}
	}
}

func frameSizeEstimate(f Frame) int {
	buf, err := f.AppendTo(nil)
	if err != nil {
		return 64
	}
	return len(buf)
}

func framesToBytes(frames []Frame) ([]byte, error) {
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = f.AppendTo(buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (c *Connection) buildAckFrame(space PacketNumberSpace) *AckFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasReceivedPacket[space] {
		return nil
	}
	return &AckFrame{
		LargestAcked: c.largestReceived[space],
		AckDelay:     0,
		Ranges:       []AckRange{{Gap: 0, Length: 1}},
	}
}

// sendProtectedPacket builds, protects, and writes a single packet carrying
// payload in the packet number space matching level.
func (c *Connection) sendProtectedPacket(payload []byte, level EncryptionLevel, space PacketNumberSpace) error {
	keys := c.keysForLevel(level)
	if keys == nil {
		c.requeueFramesFromBytes(payload)
		return nil
	}

	pn := c.nextPacketNumberFor(space)
	pnLen := packetNumberLenFor(pn)

	header := PacketHeader{
		IsLongHeader:    level != EncryptionLevelApplication,
		Version:         c.version,
		DestConnID:      c.destConnID,
		SrcConnID:       c.localConnID,
		PacketNumber:    pn,
		PacketNumberLen: pnLen,
	}
	switch level {
	case EncryptionLevelInitial:
		header.Type = PacketTypeInitial
	case EncryptionLevelHandshake:
		header.Type = PacketTypeHandshake
	case EncryptionLevelEarlyData:
		header.Type = PacketType0RTT
	case EncryptionLevelApplication:
		header.Type = PacketType1RTT
	}

	packet := &Packet{Header: header, Payload: payload}

	wire, err := keys.ProtectPacket(packet)
	if err != nil {
		return wrapf(err, "protect packet")
	}

	if _, err := c.pc.WriteTo(wire, c.remoteAddr); err != nil {
		return wrapf(err, "write datagram")
	}

	c.congestion.OnPacketSent(uint64(len(wire)), pn, c.clock.Now())
	ld := c.lossDetectors[space]
	ld.OnPacketSent(&SentPacketInfo{
		PacketNumber:   pn,
		TimeSent:       c.clock.Now(),
		PacketSize:     uint64(len(wire)),
		IsAckEliciting: true,
		InFlight:       true,
	})

	return nil
}

func (c *Connection) requeueFramesFromBytes(payload []byte) {
	for len(payload) > 0 {
		frame, n, err := ParseFrame(payload)
		if err != nil {
			return
		}
		c.requeueFrames([]Frame{frame})
		payload = payload[n:]
	}
}

func packetNumberLenFor(pn uint64) int {
	switch {
	case pn < 1<<8:
		return 1
	case pn < 1<<16:
		return 2
	case pn < 1<<24:
		return 3
	default:
		return 4
	}
}
