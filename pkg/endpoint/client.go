package endpoint

import (
	"fmt"
	"net"

	"github.com/shockwave/quicendpoint/pkg/quic"
)

// Dial opens a QUIC connection to addr ("host:port") over a freshly bound
// UDP socket, starts its handshake, and returns once the handshake has been
// kicked off (not necessarily completed — wait on Connection.HandshakeDone
// for that). Mirrors the teacher's http3.DialH3 helper, generalized from an
// HTTP/3-specific client down to a bare transport Dial.
func Dial(addr string, cfg *Config) (*quic.Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("endpoint: bind local socket: %w", err)
	}

	conn, err := quic.NewConnection(udpConn, remoteAddr, cfg.quicConfig(true), true)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("endpoint: create connection: %w", err)
	}

	if err := conn.Start(); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("endpoint: start handshake: %w", err)
	}

	go pumpDatagrams(udpConn, func(data []byte, _ net.Addr) {
		conn.HandleDatagram(data)
	})

	return conn, nil
}

// pumpDatagrams reads datagrams off pc until it errors (typically because
// the socket was closed) and hands each one to route. Shared by the client's
// single-peer socket and the server's shared listening socket.
func pumpDatagrams(pc net.PacketConn, route func(data []byte, from net.Addr)) {
	buf := make([]byte, quic.MaxPacketSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		route(data, from)
	}
}
