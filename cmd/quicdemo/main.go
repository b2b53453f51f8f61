// Command quicdemo is a small client/server harness for the QUIC transport
// in pkg/quic and pkg/endpoint: it opens one connection, opens one stream,
// and exchanges data over it, enough to exercise a full handshake, ACK
// loop, and stream close.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
