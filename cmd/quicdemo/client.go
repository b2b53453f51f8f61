package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shockwave/quicendpoint/pkg/endpoint"
)

func newClientCommand() *cobra.Command {
	var insecure bool
	var resource string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "client <host> <port>",
		Short: "Dial a QUIC endpoint and send one resource request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(net.JoinHostPort(args[0], args[1]), resource, insecure, timeout)
		},
	}

	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&resource, "resource", "/", "resource string to send as the first stream's payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "handshake and round-trip timeout")

	return cmd
}

func runClient(addr, resource string, insecure bool, timeout time.Duration) error {
	cfg := endpoint.DefaultConfig()
	cfg.TLSConfig = &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"quic-transport"},
	}

	conn, err := endpoint.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(0, "client done")

	select {
	case <-conn.HandshakeDone():
	case <-time.After(timeout):
		return fmt.Errorf("handshake with %s did not complete within %s", addr, timeout)
	}
	logrus.WithField("addr", addr).Info("handshake complete")

	stream, err := conn.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if _, err := stream.Write([]byte(resource)); err != nil {
		return fmt.Errorf("write resource: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Printf("%s\n", buf[:n])
	return nil
}
