package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// QUIC Connection (draft-12): version negotiation, stateless retry,
// handshake progression, and connection-ID lifecycle for a single peer.
//
// A Connection is single-threaded cooperative: all state transitions run on
// one logical executor goroutine (run), matching the http3 package's
// handleConnection pattern of a single goroutine owning all mutation. The
// executor's only suspension points are an inbound datagram, a timer firing,
// a write-readiness signal, and a TLS handshake event.

// State is the connection's position in the handshake/lifecycle machine.
type State uint8

const (
	StateInitial State = iota
	StateWaitingHandshake
	StateHandshake
	StateInstalled
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateWaitingHandshake:
		return "WaitingHandshake"
	case StateHandshake:
		return "Handshake"
	case StateInstalled:
		return "Installed"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config carries the tunables a Connection needs at construction time.
type Config struct {
	TLSConfig        *tls.Config
	TransportParams  *TransportParameters
	Logger           *logrus.Logger
	SessionCache     *SessionCache
	MigrationEnabled bool
	Clock            clockwork.Clock
}

// DefaultConfig returns baseline settings for either connection role. isClient
// is passed to NewQUICTLSConfig, which adds server-only TLS settings when it
// is false; every other default is the same for both roles.
func DefaultConfig(isClient bool) *Config {
	return &Config{
		TLSConfig:        NewQUICTLSConfig(isClient),
		TransportParams:  DefaultTransportParameters(),
		Logger:           logrus.StandardLogger(),
		SessionCache:     NewSessionCache(0),
		MigrationEnabled: true,
		Clock:            clockwork.NewRealClock(),
	}
}

// Connection is one QUIC connection to a single peer.
type Connection struct {
	mu sync.RWMutex

	isClient bool
	state    State

	version        uint32
	supportedVersions []uint32
	versionNegotiationDone bool

	// Connection IDs. destConnID may legally change exactly once on Retry
	// and once on the first Handshake packet (Section 4.3).
	localConnID        ConnectionID
	destConnID         ConnectionID
	originalDestConnID ConnectionID
	retryReceived      bool
	destConnIDLocked   bool

	localParams  *TransportParameters
	remoteParams *TransportParameters

	initialKeys     *CryptoKeys
	handshakeKeys   *CryptoKeys
	applicationKeys *CryptoKeys
	zeroRTTKeys     *CryptoKeys

	handshakeComplete bool

	localAddr  net.Addr
	remoteAddr net.Addr
	pc         net.PacketConn

	tlsHandler *TLSHandler
	zeroRTT    *ZeroRTTHandler
	streams    *StreamManager
	migration  *ConnectionMigration
	congestion *CongestionController
	flow       *FlowController

	lossDetectors map[PacketNumberSpace]*LossDetector

	clock  clockwork.Clock
	logger *logrus.Entry

	outbound chan Frame
	incoming chan *Stream
	inbound  chan []byte

	writeReady chan struct{}
	handshakeDoneCh chan struct{}
	drainingCh      chan struct{}
	closedCh        chan struct{}

	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc

	nextPacketNumber map[PacketNumberSpace]uint64

	// Receive-side ACK bookkeeping, kept separately from LossDetector
	// (which only tracks packets we sent) since acknowledging what the
	// peer sent us is a distinct concern from detecting loss of our own.
	hasReceivedPacket map[PacketNumberSpace]bool
	largestReceived   map[PacketNumberSpace]uint64
	pendingAcks       map[PacketNumberSpace]bool
}

// NewConnection creates a client or server-role connection that generates
// its own local and (for clients) destination connection IDs. Servers
// accepting a specific peer-chosen destination ID use NewServerConnection
// instead, since the initial AEAD secrets are keyed off that exact value.
func NewConnection(pc net.PacketConn, remoteAddr net.Addr, config *Config, isClient bool) (*Connection, error) {
	localConnID, err := GenerateConnectionID(8)
	if err != nil {
		return nil, fmt.Errorf("quic: generate local connection ID: %w", err)
	}

	var destConnID ConnectionID
	if isClient {
		destConnID, err = GenerateConnectionID(8)
		if err != nil {
			return nil, fmt.Errorf("quic: generate destination connection ID: %w", err)
		}
	}

	return newConnection(pc, remoteAddr, localConnID, destConnID, config, isClient)
}

// NewServerConnection creates a server-side connection for a client that has
// already sent its first Initial packet, using the client's chosen
// destination and source connection IDs exactly as received.
func NewServerConnection(pc net.PacketConn, remoteAddr net.Addr, clientDestConnID, clientSrcConnID ConnectionID, config *Config) (*Connection, error) {
	localConnID, err := GenerateConnectionID(8)
	if err != nil {
		return nil, fmt.Errorf("quic: generate local connection ID: %w", err)
	}
	conn, err := newConnection(pc, remoteAddr, localConnID, clientDestConnID, config, false)
	if err != nil {
		return nil, err
	}
	conn.originalDestConnID = clientDestConnID
	conn.destConnID = clientSrcConnID
	return conn, nil
}

func newConnection(pc net.PacketConn, remoteAddr net.Addr, localConnID, destConnID ConnectionID, config *Config, isClient bool) (*Connection, error) {
	if config == nil {
		config = DefaultConfig(isClient)
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.TransportParams == nil {
		config.TransportParams = DefaultTransportParameters()
	}

	ctx, cancel := context.WithCancel(context.Background())

	role := "client"
	if !isClient {
		role = "server"
	}

	var baseLogger *logrus.Logger
	if config.Logger != nil {
		baseLogger = config.Logger
	} else {
		baseLogger = logrus.StandardLogger()
	}

	conn := &Connection{
		isClient:          isClient,
		state:             StateInitial,
		version:           Version1,
		supportedVersions: []uint32{Version1},
		localConnID:       localConnID,
		destConnID:        destConnID,
		localParams:       config.TransportParams,
		localAddr:         pc.LocalAddr(),
		remoteAddr:        remoteAddr,
		pc:                pc,
		clock:             config.Clock,
		logger: baseLogger.WithFields(logrus.Fields{
			"role":    role,
			"conn_id": localConnID.String(),
		}),
		outbound:        make(chan Frame, 256),
		incoming:        make(chan *Stream, 64),
		inbound:         make(chan []byte, 64),
		writeReady:      make(chan struct{}, 1),
		handshakeDoneCh: make(chan struct{}),
		drainingCh:      make(chan struct{}),
		closedCh:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		nextPacketNumber: map[PacketNumberSpace]uint64{
			PacketSpaceInitial:     0,
			PacketSpaceHandshake:   0,
			PacketSpaceApplication: 0,
		},
		hasReceivedPacket: make(map[PacketNumberSpace]bool),
		largestReceived:   make(map[PacketNumberSpace]uint64),
		pendingAcks:       make(map[PacketNumberSpace]bool),
	}

	conn.congestion = NewCongestionController()
	conn.flow = NewFlowController(conn.localParams.InitialMaxData, 0)
	conn.streams = newStreamManager(conn)
	conn.migration = NewConnectionMigration(conn)
	conn.migration.SetEnabled(config.MigrationEnabled)
	conn.migration.SetCurrentPath(conn.localAddr, conn.remoteAddr)
	conn.zeroRTT = NewZeroRTTHandler(conn)

	conn.lossDetectors = map[PacketNumberSpace]*LossDetector{
		PacketSpaceInitial:     NewLossDetector(PacketSpaceInitial, conn.clock),
		PacketSpaceHandshake:   NewLossDetector(PacketSpaceHandshake, conn.clock),
		PacketSpaceApplication: NewLossDetector(PacketSpaceApplication, conn.clock),
	}
	for _, ld := range conn.lossDetectors {
		ld.SetCallbacks(conn.onPacketLost, conn.onPacketAcked)
	}

	handler, err := NewTLSHandler(conn, config.TLSConfig, isClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("quic: create TLS handler: %w", err)
	}
	conn.tlsHandler = handler

	return conn, nil
}

// Start begins the handshake and the connection's executor goroutine. It
// must be called at most once.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.state != StateInitial {
		c.mu.Unlock()
		return nil
	}
	c.state = StateWaitingHandshake
	c.mu.Unlock()

	if err := c.tlsHandler.Start(); err != nil {
		return fmt.Errorf("quic: start TLS handshake: %w", err)
	}

	go c.run()
	go c.watchHandshake()

	return nil
}

// watchHandshake waits for the TLS handshake to finish and transitions the
// connection state accordingly; it is the "TLS callback" suspension point
// from the concurrency model, folded into its own goroutine since
// WaitForHandshake blocks on a channel rather than a select case.
func (c *Connection) watchHandshake() {
	err := c.tlsHandler.WaitForHandshake()

	c.mu.Lock()
	if err != nil {
		c.mu.Unlock()
		c.logger.WithError(err).Warn("handshake failed")
		c.closeLocally(wrapf(err, "tls handshake"))
		return
	}

	c.handshakeComplete = true
	c.state = StateInstalled
	c.mu.Unlock()

	c.logger.Info("handshake complete, 1-RTT keys installed")
	close(c.handshakeDoneCh)
}

// run is the connection's single-threaded executor. Exactly one goroutine
// ever touches connection state outside of the narrowly-locked accessor
// methods; everything else is serialized through this select loop.
func (c *Connection) run() {
	idleTimeout := time.Duration(c.localParams.MaxIdleTimeout) * time.Millisecond
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	timer := c.clock.NewTimer(idleTimeout)
	defer timer.Stop()

	// handshakeDone is consumed at most once: nil-ing it after the first
	// receive keeps a closed channel from being selected on every
	// subsequent loop iteration.
	handshakeDone := c.handshakeDoneCh

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-timer.Chan():
			c.onIdleTimeout()
			return

		case data := <-c.inbound:
			if err := c.processInboundDatagram(data); err != nil {
				c.logger.WithError(err).Warn("peer protocol violation")
				c.closeWithProtocolError(err)
				return
			}
			c.signalWriteReady()
			timer.Reset(idleTimeout)

		case <-c.writeReady:
			if err := c.flushOutbound(); err != nil {
				c.logger.WithError(err).Warn("flush outbound failed")
			}
			timer.Reset(idleTimeout)

		case <-handshakeDone:
			handshakeDone = nil
			timer.Reset(idleTimeout)
		}
	}
}

func (c *Connection) onIdleTimeout() {
	c.logger.Warn("idle timeout")
	c.closeLocally(LocalErrorIdleTimeout)
}

// HandleDatagram feeds one raw UDP datagram into the connection for
// processing. Called by the owning endpoint's read loop (or directly by a
// client's Dial helper). The datagram is handed to the executor goroutine
// over a channel rather than processed here, keeping every piece of
// connection state touched by exactly one goroutine.
func (c *Connection) HandleDatagram(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.ctx.Done():
	}
}

func (c *Connection) signalWriteReady() {
	select {
	case c.writeReady <- struct{}{}:
	default:
	}
}

// queueFrame enqueues a frame for the outbound packet builder. Safe to call
// from any goroutine (streams call it directly from Write/Close/Reset).
func (c *Connection) queueFrame(frame Frame) {
	select {
	case c.outbound <- frame:
	case <-c.ctx.Done():
		return
	}
	c.signalWriteReady()
}

// sendCryptoFrame is the TLSConn -> Connection hook: TLS record bytes for a
// given encryption level become a CRYPTO frame on the matching packet
// number space.
func (c *Connection) sendCryptoFrame(frame *CryptoFrame, level EncryptionLevel) error {
	if c.keysForLevel(level) == nil {
		return LocalErrorKeysUnavailable
	}
	c.queueFrame(frame)
	return nil
}

func (c *Connection) keysForLevel(level EncryptionLevel) *CryptoKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch level {
	case EncryptionLevelInitial:
		return c.initialKeys
	case EncryptionLevelHandshake:
		return c.handshakeKeys
	case EncryptionLevelEarlyData:
		return c.zeroRTTKeys
	case EncryptionLevelApplication:
		return c.applicationKeys
	default:
		return nil
	}
}

func spaceForLevel(level EncryptionLevel) PacketNumberSpace {
	switch level {
	case EncryptionLevelInitial:
		return PacketSpaceInitial
	case EncryptionLevelHandshake:
		return PacketSpaceHandshake
	default:
		// 0-RTT and 1-RTT share the Application packet number space
		// (draft-12 Section 12.3 collapses early data into it).
		return PacketSpaceApplication
	}
}

// OpenStream opens a new bidirectional stream.
func (c *Connection) OpenStream() (*Stream, error) {
	return c.streams.OpenStream(true, c.isClient)
}

// OpenUniStream opens a new unidirectional stream.
func (c *Connection) OpenUniStream() (*Stream, error) {
	return c.streams.OpenStream(false, c.isClient)
}

// AcceptStream blocks until the peer opens a new stream or ctx is canceled.
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrConnectionClosed
	}
}

func (c *Connection) notifyIncomingStream(s *Stream) {
	select {
	case c.incoming <- s:
	case <-c.ctx.Done():
	}
}

// HandshakeDone reports completion of the 1-RTT key installation.
func (c *Connection) HandshakeDone() <-chan struct{} { return c.handshakeDoneCh }

// Draining reports entry into the Draining state (peer or local close).
func (c *Connection) Draining() <-chan struct{} { return c.drainingCh }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LocalConnectionID returns the connection ID this endpoint expects to see
// as the destination of packets sent to it. An endpoint.Server uses this as
// the dispatch-table key.
func (c *Connection) LocalConnectionID() ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localConnID
}

// RemoteAddr returns the network address of the connection's peer.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// Close starts a graceful close: a CONNECTION_CLOSE frame is queued, the
// connection enters Draining, and transitions to Closed after 3x PTO.
func (c *Connection) Close(appErrorCode uint64, reason string) error {
	frame := &ConnectionCloseFrame{
		ErrorCode:    appErrorCode,
		IsAppError:   true,
		ReasonPhrase: []byte(reason),
	}
	c.queueFrame(frame)
	c.enterDraining(fmt.Errorf("quic: closed locally: %s", reason))
	return nil
}

func (c *Connection) closeLocally(err error) {
	c.enterDraining(err)
}

// closeWithProtocolError escalates a fatal peer protocol violation detected
// while processing an inbound datagram: it queues a CONNECTION_CLOSE frame
// carrying the violation's wire error code and enters Draining. err's chain
// is checked for a QuicError; anything else (a bare wrapped sentinel with no
// QuicError code) is reported as PROTOCOL_VIOLATION.
func (c *Connection) closeWithProtocolError(err error) {
	code := ErrCodeProtocolViolation
	var qerr QuicError
	if errors.As(err, &qerr) {
		code = qerr
	}

	c.queueFrame(&ConnectionCloseFrame{
		ErrorCode:    uint64(code),
		IsAppError:   false,
		ReasonPhrase: []byte(code.Error()),
	})
	c.enterDraining(err)
}

func (c *Connection) enterDraining(err error) {
	c.mu.Lock()
	if c.state == StateDraining || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.closeErr = err
	c.mu.Unlock()

	close(c.drainingCh)
	c.logger.WithError(err).Info("entering draining")

	pto := c.drainingTimeout()
	go func() {
		timer := c.clock.NewTimer(pto)
		defer timer.Stop()
		select {
		case <-timer.Chan():
		case <-c.ctx.Done():
		}
		c.finishClose()
	}()
}

func (c *Connection) drainingTimeout() time.Duration {
	_, smoothed, _, variance := c.lossDetectors[PacketSpaceApplication].GetRTT()
	pto := smoothed + 4*variance
	if pto <= 0 {
		pto = kInitialRTT
	}
	return 3 * pto
}

func (c *Connection) finishClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.cancel()
		if err := c.tlsHandler.Close(); err != nil {
			c.logger.WithError(err).Debug("closing TLS handler")
		}
		close(c.closedCh)
		c.logger.Info("connection closed")
	})
}

// onPacketLost is the LossDetector -> CongestionController adapter for a
// single space; registered as the loss callback on every per-space
// LossDetector at construction time.
func (c *Connection) onPacketLost(pkt *SentPacketInfo) {
	c.congestion.OnPacketLost(pkt.PacketSize, pkt.PacketNumber, c.clock.Now())
}

// onPacketAcked is the LossDetector -> CongestionController adapter.
func (c *Connection) onPacketAcked(pkt *SentPacketInfo) {
	rtt := c.clock.Now().Sub(pkt.TimeSent)
	c.congestion.OnPacketAcked(pkt.PacketSize, pkt.PacketNumber, rtt, c.clock.Now())
}

// nextPacketNumberFor returns the next packet number to assign in a space
// and advances the counter, per the strictly-monotonic invariant (Section 8).
func (c *Connection) nextPacketNumberFor(space PacketNumberSpace) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	pn := c.nextPacketNumber[space]
	c.nextPacketNumber[space]++
	return pn
}

// handleVersionNegotiation implements the client-side VN tie-break logic.
// A VN packet listing a version we already chose is ignored (it can only be
// a replay or a confused middlebox), and at most one VN is ever honored for
// the life of the connection - a second VN after we've already switched
// versions would let an on-path attacker bounce the client between
// versions indefinitely.
func (c *Connection) handleVersionNegotiation(pkt *Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isClient || c.versionNegotiationDone {
		return nil
	}
	if !pkt.Header.DestConnID.Equal(c.localConnID) || !pkt.Header.SrcConnID.Equal(c.destConnID) {
		return nil
	}

	var peerVersions []uint32
	for i := 0; i+4 <= len(pkt.Payload); i += 4 {
		v := uint32(pkt.Payload[i])<<24 | uint32(pkt.Payload[i+1])<<16 | uint32(pkt.Payload[i+2])<<8 | uint32(pkt.Payload[i+3])
		peerVersions = append(peerVersions, v)
	}

	for _, v := range peerVersions {
		if v == c.version {
			// Peer already lists our chosen version: ignore per spec.
			return nil
		}
	}

	var best uint32
	found := false
	for _, local := range c.supportedVersions {
		for _, peer := range peerVersions {
			if local == peer && (!found || local > best) {
				best = local
				found = true
			}
		}
	}
	if !found {
		return LocalErrorVersionNegotiationFailed
	}

	c.version = best
	c.versionNegotiationDone = true
	c.logger.WithField("version", best).Info("version negotiated")
	return nil
}

// handleRetry implements the client-side Retry CID discipline: the
// destination connection ID may be replaced exactly once by a Retry.
func (c *Connection) handleRetry(pkt *Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isClient || c.retryReceived {
		return nil
	}

	retryHeaderAndToken, err := retryHeaderAndTokenBytes(pkt)
	if err != nil {
		return wrapf(err, "serialize retry header for integrity check")
	}
	if !VerifyRetryIntegrityTag(c.destConnID, retryHeaderAndToken, pkt.Header.RetryIntegrity) {
		return ErrProtocolViolation
	}

	c.originalDestConnID = c.destConnID
	c.destConnID = pkt.Header.SrcConnID
	c.retryReceived = true

	keys, err := NewInitialKeys(c.destConnID, true)
	if err != nil {
		return wrapf(err, "re-derive initial keys after retry")
	}
	c.initialKeys = keys

	return nil
}

// retryHeaderAndTokenBytes serializes a Retry packet's header and token
// exactly as it appeared on the wire, minus the trailing 16-byte integrity
// tag, for feeding into VerifyRetryIntegrityTag.
func retryHeaderAndTokenBytes(pkt *Packet) ([]byte, error) {
	buf, err := pkt.AppendTo(nil)
	if err != nil {
		return nil, err
	}
	if len(buf) < 16 {
		return nil, ErrProtocolViolation
	}
	return buf[:len(buf)-16], nil
}

// lockDestConnIDOnHandshake implements the second (and final) legal
// destination-CID change: locking onto the first Handshake packet's source
// connection ID. Any later Handshake packet with a different source ID is
// dropped, but the connection stays live.
func (c *Connection) lockDestConnIDOnHandshake(srcConnID ConnectionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isClient {
		return nil
	}
	if c.destConnIDLocked {
		if !c.destConnID.Equal(srcConnID) {
			return ErrProtocolViolation
		}
		return nil
	}

	c.destConnID = srcConnID
	c.destConnIDLocked = true
	return nil
}
