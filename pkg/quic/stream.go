package quic

import (
	"errors"
	"io"
	"sync"
)

// Stream types (RFC 9000 Section 2.1)
// Stream IDs encode type and initiator:
//   Bits: | 0 (initiator) | 1 (direction) |
//   - Bit 0: 0=client-initiated, 1=server-initiated
//   - Bit 1: 0=bidirectional, 1=unidirectional

const (
	streamTypeBidiMask   = 0x02
	streamTypeServerMask = 0x01
)

var (
	ErrStreamClosed = errors.New("quic: stream closed")
	ErrStreamReset  = errors.New("quic: stream reset")
	ErrFlowControl  = errors.New("quic: flow control limit exceeded")
)

// StreamType represents the type of stream
type StreamType uint8

const (
	StreamTypeBidirectional StreamType = iota
	StreamTypeUnidirectional
)

// SendState is the send-side stream state machine (RFC 9000 Section 3.1).
// Unidirectional streams opened by the peer never enter this machine.
type SendState uint8

const (
	SendStateReady SendState = iota
	SendStateSend
	SendStateDataSent
	SendStateResetSent
	SendStateDataRecvd
	SendStateResetRecvd
)

func (s SendState) String() string {
	switch s {
	case SendStateReady:
		return "Ready"
	case SendStateSend:
		return "Send"
	case SendStateDataSent:
		return "DataSent"
	case SendStateResetSent:
		return "ResetSent"
	case SendStateDataRecvd:
		return "DataRecvd"
	case SendStateResetRecvd:
		return "ResetRecvd"
	default:
		return "Invalid"
	}
}

// RecvState is the receive-side stream state machine (RFC 9000 Section 3.2).
// Unidirectional streams opened locally never enter this machine.
type RecvState uint8

const (
	RecvStateRecv RecvState = iota
	RecvStateSizeKnown
	RecvStateDataRecvd
	RecvStateDataRead
	RecvStateResetRecvd
	RecvStateResetRead
)

func (s RecvState) String() string {
	switch s {
	case RecvStateRecv:
		return "Recv"
	case RecvStateSizeKnown:
		return "SizeKnown"
	case RecvStateDataRecvd:
		return "DataRecvd"
	case RecvStateDataRead:
		return "DataRead"
	case RecvStateResetRecvd:
		return "ResetRecvd"
	case RecvStateResetRead:
		return "ResetRead"
	default:
		return "Invalid"
	}
}

// Stream represents a QUIC stream
type Stream struct {
	id         uint64
	conn       *Connection
	streamType StreamType

	// Send state
	sendMu      sync.Mutex
	sendState   SendState
	sendBuf     []byte
	sendOffset  uint64
	sendMaxData uint64 // Flow control limit

	// Receive state
	recvMu        sync.Mutex
	recvState     RecvState
	recvBuf       []byte
	recvOffset    uint64
	recvFinalSize uint64
	recvMaxData   uint64            // Flow control limit we've advertised
	recvFrames    map[uint64][]byte // Out-of-order frames

	// flowCtl tracks receive-window consumption against recvMaxData and
	// decides when it's time to advertise a larger one; recvMaxData itself
	// stays authoritative for handleStreamFrame's limit check, and is kept
	// in sync with flowCtl's window on every update.
	flowCtl *StreamFlowController

	// Error state
	resetCode uint64
	stopCode  uint64
	resetErr  error
}

// newStream creates a new stream
func newStream(id uint64, conn *Connection, maxData uint64) *Stream {
	streamType := StreamTypeBidirectional
	if id&streamTypeBidiMask != 0 {
		streamType = StreamTypeUnidirectional
	}

	return &Stream{
		id:          id,
		conn:        conn,
		streamType:  streamType,
		sendState:   SendStateReady,
		recvState:   RecvStateRecv,
		sendMaxData: maxData,
		recvMaxData: maxData,
		recvFrames:  make(map[uint64][]byte),
		flowCtl:     NewStreamFlowController(id, maxData, maxData),
	}
}

// ID returns the stream ID
func (s *Stream) ID() uint64 {
	return s.id
}

// IsClientInitiated returns true if the stream was initiated by the client
func (s *Stream) IsClientInitiated() bool {
	return s.id&streamTypeServerMask == 0
}

// IsBidirectional returns true if the stream is bidirectional
func (s *Stream) IsBidirectional() bool {
	return s.id&streamTypeBidiMask == 0
}

// SendState returns the current send-side state
func (s *Stream) SendState() SendState {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendState
}

// RecvState returns the current receive-side state
func (s *Stream) RecvState() RecvState {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.recvState
}

// Read reads data from the stream
func (s *Stream) Read(p []byte) (int, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	// Check for errors
	if s.resetErr != nil {
		return 0, s.resetErr
	}

	// If no data and stream is closed, return EOF
	if len(s.recvBuf) == 0 && s.recvState == RecvStateDataRecvd {
		s.recvState = RecvStateDataRead
		return 0, io.EOF
	}
	if len(s.recvBuf) == 0 && s.recvState == RecvStateDataRead {
		return 0, io.EOF
	}

	// If no data available, would need to block/wait
	// For now, return what we have
	if len(s.recvBuf) == 0 {
		return 0, nil
	}

	// Copy available data
	n := copy(p, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	s.recvOffset += uint64(n)

	if len(s.recvBuf) == 0 && s.recvState == RecvStateDataRecvd {
		s.recvState = RecvStateDataRead
	}

	return n, nil
}

// Write writes data to the stream
func (s *Stream) Write(p []byte) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendState != SendStateReady && s.sendState != SendStateSend {
		return 0, ErrStreamClosed
	}

	// Check flow control
	if s.sendOffset+uint64(len(p)) > s.sendMaxData {
		return 0, ErrFlowControl
	}

	// Buffer data for sending
	s.sendBuf = append(s.sendBuf, p...)

	// Create STREAM frame
	frame := &StreamFrame{
		StreamID: s.id,
		Offset:   s.sendOffset,
		Data:     make([]byte, len(p)),
		Fin:      false,
	}
	copy(frame.Data, p)

	// Queue frame for transmission
	if s.conn != nil {
		s.conn.queueFrame(frame)
	}

	s.sendOffset += uint64(len(p))
	s.sendState = SendStateSend

	return len(p), nil
}

// Close closes the stream for writing
func (s *Stream) Close() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendState != SendStateReady && s.sendState != SendStateSend {
		return nil
	}

	s.sendState = SendStateDataSent

	// Send STREAM frame with FIN bit
	frame := &StreamFrame{
		StreamID: s.id,
		Offset:   s.sendOffset,
		Data:     nil,
		Fin:      true,
	}

	if s.conn != nil {
		s.conn.queueFrame(frame)
	}

	return nil
}

// Reset resets the stream with an error code
func (s *Stream) Reset(errorCode uint64) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendState == SendStateResetSent || s.sendState == SendStateResetRecvd {
		return nil
	}

	s.sendState = SendStateResetSent
	s.resetCode = errorCode

	// Send RESET_STREAM frame
	frame := &ResetStreamFrame{
		StreamID:  s.id,
		ErrorCode: errorCode,
		FinalSize: s.sendOffset,
	}

	if s.conn != nil {
		s.conn.queueFrame(frame)
	}

	return nil
}

// handleStreamFrame processes an incoming STREAM frame
func (s *Stream) handleStreamFrame(frame *StreamFrame) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	// Check flow control
	endOffset := frame.Offset + uint64(len(frame.Data))
	if endOffset > s.recvMaxData {
		return ErrFlowControl
	}

	// Check if this is the expected offset
	if frame.Offset == s.recvOffset {
		// In-order frame, append to buffer
		s.recvBuf = append(s.recvBuf, frame.Data...)
		s.recvOffset += uint64(len(frame.Data))

		// Check for buffered out-of-order frames
		for {
			if data, ok := s.recvFrames[s.recvOffset]; ok {
				s.recvBuf = append(s.recvBuf, data...)
				s.recvOffset += uint64(len(data))
				delete(s.recvFrames, s.recvOffset-uint64(len(data)))
			} else {
				break
			}
		}
	} else if frame.Offset > s.recvOffset {
		// Out-of-order frame, buffer it
		s.recvFrames[frame.Offset] = make([]byte, len(frame.Data))
		copy(s.recvFrames[frame.Offset], frame.Data)
	}
	// else: duplicate frame, ignore

	// Handle FIN
	if frame.Fin {
		s.recvFinalSize = frame.Offset + uint64(len(frame.Data))
		if s.recvState == RecvStateRecv {
			s.recvState = RecvStateSizeKnown
		}

		// If we've received all data, mark it fully delivered to the
		// reassembly buffer (Read() moves DataRecvd -> DataRead once the
		// application has consumed it).
		if s.recvOffset >= s.recvFinalSize && s.recvState == RecvStateSizeKnown {
			s.recvState = RecvStateDataRecvd
		}
	}

	s.maybeSendMaxStreamData()

	return nil
}

// maybeSendMaxStreamData re-syncs flowCtl with the bytes actually delivered
// in order and, once the receive window is more than half consumed, grows
// it and advertises the new limit to the peer with MAX_STREAM_DATA.
func (s *Stream) maybeSendMaxStreamData() {
	delivered, _ := s.flowCtl.GetReceiveStats()
	if s.recvOffset > delivered {
		s.flowCtl.RecordReceived(s.recvOffset - delivered)
	}

	if !s.flowCtl.ShouldSendMaxStreamData() {
		return
	}

	newMax := s.flowCtl.AutoTuneWindow()
	s.recvMaxData = newMax

	if s.conn != nil {
		s.conn.queueFrame(&MaxStreamDataFrame{StreamID: s.id, MaximumData: newMax})
	}
}

// handleResetStream processes a RESET_STREAM frame
func (s *Stream) handleResetStream(frame *ResetStreamFrame) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.recvState = RecvStateResetRecvd
	s.resetErr = ErrStreamReset
	s.resetCode = frame.ErrorCode

	return nil
}

// handleStopSending processes a STOP_SENDING frame
func (s *Stream) handleStopSending(frame *StopSendingFrame) error {
	s.sendMu.Lock()
	s.stopCode = frame.ErrorCode
	s.sendMu.Unlock()

	// Reset the stream
	return s.Reset(frame.ErrorCode)
}

// updateSendMaxData updates the flow control limit
func (s *Stream) updateSendMaxData(maxData uint64) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if maxData > s.sendMaxData {
		s.sendMaxData = maxData
	}
}

// isTerminal reports whether both halves of the stream have reached a state
// from which it can be reaped (its ID recycled by the stream manager).
func (s *Stream) isTerminal() bool {
	s.sendMu.Lock()
	sendDone := s.sendState == SendStateDataRecvd || s.sendState == SendStateResetRecvd
	s.sendMu.Unlock()

	s.recvMu.Lock()
	recvDone := s.recvState == RecvStateDataRead || s.recvState == RecvStateResetRead
	s.recvMu.Unlock()

	if s.streamType == StreamTypeUnidirectional {
		if s.IsClientInitiated() == (s.conn != nil && s.conn.isClient) {
			return sendDone
		}
		return recvDone
	}
	return sendDone && recvDone
}

// StreamManager manages all streams for a connection
type StreamManager struct {
	mu      sync.RWMutex
	streams map[uint64]*Stream

	// Stream limits
	maxStreamsBidi uint64
	maxStreamsUni  uint64

	conn *Connection
}

// newStreamManager creates a new stream manager
func newStreamManager(conn *Connection) *StreamManager {
	return &StreamManager{
		streams:        make(map[uint64]*Stream),
		maxStreamsBidi: 100,
		maxStreamsUni:  100,
		conn:           conn,
	}
}

// nextStreamID finds the smallest stream ID of the given type and initiator
// that is not currently assigned to a live stream. Streams are only removed
// from sm.streams once both halves reach a terminal state (see
// Stream.isTerminal / CloseStream), so this never hands out the ID of a
// stream that is still open even though it walks upward from zero each call.
func (sm *StreamManager) nextStreamID(bidirectional, isClient bool) uint64 {
	var typeBits uint64
	if !bidirectional {
		typeBits |= streamTypeBidiMask
	}
	if !isClient {
		typeBits |= streamTypeServerMask
	}

	for id := typeBits; ; id += 4 {
		if _, exists := sm.streams[id]; !exists {
			return id
		}
	}
}

// OpenStream opens a new stream
func (sm *StreamManager) OpenStream(bidirectional bool, isClient bool) (*Stream, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	streamID := sm.nextStreamID(bidirectional, isClient)

	if bidirectional {
		if streamID/4 >= sm.maxStreamsBidi {
			return nil, errors.New("quic: max bidirectional streams exceeded")
		}
	} else {
		if streamID/4 >= sm.maxStreamsUni {
			return nil, errors.New("quic: max unidirectional streams exceeded")
		}
	}

	stream := newStream(streamID, sm.conn, 1024*1024) // 1MB default
	sm.streams[streamID] = stream

	return stream, nil
}

// GetStream gets an existing stream or creates it if it doesn't exist
func (sm *StreamManager) GetStream(streamID uint64) *Stream {
	sm.mu.RLock()
	stream, exists := sm.streams[streamID]
	sm.mu.RUnlock()

	if exists {
		return stream
	}

	// Create new stream for peer-initiated streams
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check after acquiring write lock
	if stream, exists := sm.streams[streamID]; exists {
		return stream
	}

	stream = newStream(streamID, sm.conn, 1024*1024)
	sm.streams[streamID] = stream

	if sm.conn != nil && stream.IsClientInitiated() != sm.conn.isClient {
		sm.conn.notifyIncomingStream(stream)
	}

	return stream
}

// CloseStream removes a stream from tracking if both halves have reached a
// terminal state. Returns false (and keeps the stream) if it hasn't.
func (sm *StreamManager) CloseStream(streamID uint64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	stream, exists := sm.streams[streamID]
	if !exists {
		return true
	}
	if !stream.isTerminal() {
		return false
	}

	delete(sm.streams, streamID)
	return true
}

// ReapClosedStreams removes all tracked streams that have reached a
// terminal state, recycling their IDs for nextStreamID.
func (sm *StreamManager) ReapClosedStreams() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	reaped := 0
	for id, stream := range sm.streams {
		if stream.isTerminal() {
			delete(sm.streams, id)
			reaped++
		}
	}
	return reaped
}

// UpdateMaxStreams updates the maximum number of streams
func (sm *StreamManager) UpdateMaxStreams(maxStreams uint64, bidirectional bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if bidirectional {
		sm.maxStreamsBidi = maxStreams
	} else {
		sm.maxStreamsUni = maxStreams
	}
}

// GetAllStreams returns all active streams
func (sm *StreamManager) GetAllStreams() []*Stream {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	streams := make([]*Stream, 0, len(sm.streams))
	for _, stream := range sm.streams {
		streams = append(streams, stream)
	}

	return streams
}
