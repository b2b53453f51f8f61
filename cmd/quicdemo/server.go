package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shockwave/quicendpoint/pkg/endpoint"
	"github.com/shockwave/quicendpoint/pkg/quic"
)

func newServerCommand() *cobra.Command {
	var certFile, keyFile string

	cmd := &cobra.Command{
		Use:   "server <host> <port>",
		Short: "Accept QUIC connections and echo each stream's first read",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile == "" || keyFile == "" {
				return fmt.Errorf("--cert and --key are required")
			}
			return runServer(net.JoinHostPort(args[0], args[1]), certFile, keyFile)
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS private key file")

	return cmd
}

func runServer(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	cfg := endpoint.DefaultConfig()
	cfg.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quic-transport"},
	}

	srv, err := endpoint.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Serve(); err != nil {
			logrus.WithError(err).Error("server stopped")
		}
	}()

	logrus.WithField("addr", addr).Info("listening")
	go acceptLoop(ctx, srv)

	<-ctx.Done()
	return srv.Shutdown()
}

func acceptLoop(ctx context.Context, srv *endpoint.Server) {
	for {
		conn, err := srv.Accept(ctx)
		if err != nil {
			return
		}
		go echoConnection(conn)
	}
}

func echoConnection(conn *quic.Connection) {
	logger := logrus.WithField("remote", conn.RemoteAddr())
	select {
	case <-conn.HandshakeDone():
	case <-conn.Draining():
		return
	}

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go echoStream(logger, stream)
	}
}

func echoStream(logger *logrus.Entry, stream *quic.Stream) {
	buf := make([]byte, 4096)
	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		logger.WithError(err).Debug("stream read failed")
		return
	}
	logger.WithField("stream", stream.ID()).Infof("received %q", buf[:n])

	if _, err := stream.Write(buf[:n]); err != nil {
		logger.WithError(err).Debug("stream write failed")
		return
	}
	stream.Close()
}
