package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shockwave/quicendpoint/pkg/quic"
)

// Server accepts inbound QUIC connections on a single shared UDP socket,
// dispatching each datagram to the Connection it belongs to by connection
// ID. Unlike a net.Listener's one-socket-per-accepted-connection model, QUIC
// multiplexes every peer over the same local port, so the socket is owned by
// the Server and datagrams are routed in, not accepted as new sockets.
type Server struct {
	pc     net.PacketConn
	config *Config
	logger *logrus.Entry

	conns sync.Map // ConnectionID string -> *quic.Connection

	accepted chan *quic.Connection

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	datagramsDropped  atomic.Int64
}

// Stats reports a snapshot of server-wide counters, the UDP analogue of the
// teacher's BaseServer.Stats().
type Stats struct {
	TotalConnections  int64
	ActiveConnections int64
	DatagramsDropped  int64
}

// Listen binds addr and returns a Server ready to Serve. cfg may be nil for
// defaults; cfg.TLSConfig must carry at least one certificate for a server
// role, since unlike Dial a server can't skip verification of its own
// identity.
func Listen(addr string, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve %s: %w", addr, err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen on %s: %w", addr, err)
	}

	return &Server{
		pc:       pc,
		config:   cfg,
		logger:   logrus.WithField("component", "endpoint.Server"),
		accepted: make(chan *quic.Connection, 64),
		done:     make(chan struct{}),
	}, nil
}

// Serve reads datagrams off the bound socket until Shutdown is called,
// dispatching each to its Connection (creating one on the first Initial
// packet from a new peer) and delivering newly created server connections on
// the Accept channel.
func (s *Server) Serve() error {
	buf := make([]byte, quic.MaxPacketSize)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("endpoint: read datagram: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.route(data, from)
	}
}

// route delivers an inbound datagram to the Connection it belongs to,
// creating a new server-role Connection on the first Initial packet from a
// peer this server hasn't seen before.
func (s *Server) route(data []byte, from net.Addr) {
	header, _, err := quic.ParsePacket(data, s.config.LocalCIDLen)
	if err != nil {
		s.datagramsDropped.Add(1)
		return
	}

	// The client's first Initial packet carries a destination CID it chose
	// itself; once it has seen our response it switches to the CID we
	// assigned. Either one must resolve to the same Connection.
	key := header.Header.DestConnID.String()
	if v, ok := s.conns.Load(key); ok {
		v.(*quic.Connection).HandleDatagram(data)
		return
	}

	if header.Header.Type != quic.PacketTypeInitial {
		// A short-header or non-Initial long-header packet for a connection
		// ID we don't recognize: nothing to dispatch it to.
		s.datagramsDropped.Add(1)
		return
	}

	conn, err := quic.NewServerConnection(s.pc, from, header.Header.DestConnID, header.Header.SrcConnID, s.config.quicConfig(false))
	if err != nil {
		s.logger.WithError(err).Warn("rejecting new connection")
		return
	}
	s.conns.Store(key, conn)
	s.conns.Store(conn.LocalConnectionID().String(), conn)
	s.totalConnections.Add(1)
	s.activeConnections.Add(1)

	if err := conn.Start(); err != nil {
		s.logger.WithError(err).Warn("starting new connection")
		s.conns.Delete(key)
		s.conns.Delete(conn.LocalConnectionID().String())
		return
	}

	s.wg.Add(1)
	go s.reap(conn, key)

	conn.HandleDatagram(data)

	select {
	case s.accepted <- conn:
	case <-s.done:
	}
}

// reap removes conn from the dispatch table under both of its registered
// keys once it closes, so the map doesn't grow unbounded over the server's
// lifetime.
func (s *Server) reap(conn *quic.Connection, initialKey string) {
	defer s.wg.Done()
	select {
	case <-conn.Draining():
	case <-s.done:
		return
	}
	s.conns.Delete(initialKey)
	s.conns.Delete(conn.LocalConnectionID().String())
	s.activeConnections.Add(-1)
}

// Accept blocks until a new inbound connection has started its handshake, or
// ctx is done.
func (s *Server) Accept(ctx context.Context) (*quic.Connection, error) {
	select {
	case conn := <-s.accepted:
		return conn, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting new connections and closes the listening socket.
// In-flight connections are left to drain on their own; callers that need to
// close them too should range over their own Accept results.
func (s *Server) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	err := s.pc.Close()
	s.wg.Wait()
	return err
}

// Stats returns a snapshot of server-wide counters.
func (s *Server) Stats() Stats {
	return Stats{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: s.activeConnections.Load(),
		DatagramsDropped:  s.datagramsDropped.Load(),
	}
}
