package quic

import (
	"errors"
	"testing"
)

func TestQuicErrorMessages(t *testing.T) {
	cases := []struct {
		code QuicError
		want string
	}{
		{ErrCodeNoError, "quic: no error"},
		{ErrCodeFlowControlError, "quic: flow control error"},
		{ErrCodeProtocolViolation, "quic: protocol violation"},
		{ErrCodeNoViablePath, "quic: no viable network path"},
		{QuicError(0x1234), "quic: error 0x1234"},
	}
	for _, tc := range cases {
		if got := tc.code.Error(); got != tc.want {
			t.Errorf("QuicError(%#x).Error() = %q, want %q", uint64(tc.code), got, tc.want)
		}
	}
}

func TestCryptoErrorEncodesTLSAlert(t *testing.T) {
	err := CryptoError(42)
	if err != QuicError(0x100+42) {
		t.Fatalf("CryptoError(42) = %#x, want %#x", uint64(err), uint64(0x100+42))
	}
	if err.Error() != "quic: crypto error (TLS alert 42)" {
		t.Errorf("CryptoError(42).Error() = %q", err.Error())
	}
}

func TestLocalErrorMessages(t *testing.T) {
	cases := []struct {
		code LocalError
		want string
	}{
		{LocalErrorIdleTimeout, "quic: idle timeout"},
		{LocalErrorHandshakeTimeout, "quic: handshake timeout"},
		{LocalErrorKeysUnavailable, "quic: encryption keys not yet available for this level"},
		{LocalErrorPathValidationTimeout, "quic: path validation timeout"},
		{LocalErrorVersionNegotiationFailed, "quic: no common version with peer"},
		{LocalErrorNone, "quic: local error"},
	}
	for _, tc := range cases {
		if got := tc.code.Error(); got != tc.want {
			t.Errorf("LocalError.Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestWrapfPreservesErrorIdentity(t *testing.T) {
	if wrapf(nil, "context") != nil {
		t.Fatal("wrapf(nil, ...) should return nil")
	}

	wrapped := wrapf(ErrProtocolViolation, "parsing frame %d", 7)
	if wrapped == nil {
		t.Fatal("wrapf should not return nil for a non-nil error")
	}
	if !errors.Is(wrapped, ErrProtocolViolation) {
		t.Error("wrapf should preserve the wrapped error's identity for errors.Is")
	}
}
