package quic

import (
	"fmt"

	"github.com/gravitational/trace"
)

// QuicError is a wire-visible transport error code (RFC 9000 Section 20.1,
// carried in CONNECTION_CLOSE frames of type 0x1c). TLS alerts are folded
// into the same space at offset 0x100, per RFC 9001 Section 4.8.
type QuicError uint64

const (
	ErrCodeNoError                  QuicError = 0x00
	ErrCodeInternalError            QuicError = 0x01
	ErrCodeConnectionRefused        QuicError = 0x02
	ErrCodeFlowControlError         QuicError = 0x03
	ErrCodeStreamLimitError         QuicError = 0x04
	ErrCodeStreamStateError         QuicError = 0x05
	ErrCodeFinalSizeError           QuicError = 0x06
	ErrCodeFrameEncodingError       QuicError = 0x07
	ErrCodeTransportParameterError  QuicError = 0x08
	ErrCodeConnectionIDLimitError   QuicError = 0x09
	ErrCodeProtocolViolation        QuicError = 0x0a
	ErrCodeInvalidToken             QuicError = 0x0b
	ErrCodeApplicationError         QuicError = 0x0c
	ErrCodeCryptoBufferExceeded     QuicError = 0x0d
	ErrCodeKeyUpdateError           QuicError = 0x0e
	ErrCodeAEADLimitReached         QuicError = 0x0f
	ErrCodeNoViablePath             QuicError = 0x10

	// cryptoErrorBase is the start of the TLS-alert-derived error space;
	// QuicError(cryptoErrorBase + alert) reports a TLS alert as CRYPTO_ERROR.
	cryptoErrorBase QuicError = 0x100
)

func (e QuicError) Error() string {
	if e >= cryptoErrorBase && e <= cryptoErrorBase+0xff {
		return fmt.Sprintf("quic: crypto error (TLS alert %d)", uint64(e-cryptoErrorBase))
	}
	switch e {
	case ErrCodeNoError:
		return "quic: no error"
	case ErrCodeInternalError:
		return "quic: internal error"
	case ErrCodeConnectionRefused:
		return "quic: connection refused"
	case ErrCodeFlowControlError:
		return "quic: flow control error"
	case ErrCodeStreamLimitError:
		return "quic: stream limit error"
	case ErrCodeStreamStateError:
		return "quic: stream state error"
	case ErrCodeFinalSizeError:
		return "quic: final size error"
	case ErrCodeFrameEncodingError:
		return "quic: frame encoding error"
	case ErrCodeTransportParameterError:
		return "quic: transport parameter error"
	case ErrCodeConnectionIDLimitError:
		return "quic: connection ID limit error"
	case ErrCodeProtocolViolation:
		return "quic: protocol violation"
	case ErrCodeInvalidToken:
		return "quic: invalid token"
	case ErrCodeApplicationError:
		return "quic: application error"
	case ErrCodeCryptoBufferExceeded:
		return "quic: crypto buffer exceeded"
	case ErrCodeKeyUpdateError:
		return "quic: key update error"
	case ErrCodeAEADLimitReached:
		return "quic: AEAD confidentiality limit reached"
	case ErrCodeNoViablePath:
		return "quic: no viable network path"
	default:
		return fmt.Sprintf("quic: error 0x%x", uint64(e))
	}
}

// CryptoError wraps a TLS alert as the corresponding wire QuicError.
func CryptoError(alert uint8) QuicError {
	return cryptoErrorBase + QuicError(alert)
}

// ErrProtocolViolation is the sentinel used wherever an endpoint detects a
// peer violating protocol framing rules (e.g. out-of-order CRYPTO data that
// would require reassembly buffering we don't implement).
var ErrProtocolViolation error = ErrCodeProtocolViolation

// ErrConnectionClosed is returned by calls made against a connection that
// has already entered the Closed state.
var ErrConnectionClosed = fmt.Errorf("quic: connection closed")

// LocalError represents a condition that closes a connection without ever
// being reported to the peer on the wire: these never appear in a
// CONNECTION_CLOSE frame, only in local logs and returned errors.
type LocalError uint8

const (
	LocalErrorNone LocalError = iota
	LocalErrorIdleTimeout
	LocalErrorHandshakeTimeout
	LocalErrorKeysUnavailable
	LocalErrorPathValidationTimeout
	LocalErrorVersionNegotiationFailed
)

func (e LocalError) Error() string {
	switch e {
	case LocalErrorIdleTimeout:
		return "quic: idle timeout"
	case LocalErrorHandshakeTimeout:
		return "quic: handshake timeout"
	case LocalErrorKeysUnavailable:
		return "quic: encryption keys not yet available for this level"
	case LocalErrorPathValidationTimeout:
		return "quic: path validation timeout"
	case LocalErrorVersionNegotiationFailed:
		return "quic: no common version with peer"
	default:
		return "quic: local error"
	}
}

// wrapf attaches call-site context to err via trace, preserving err's
// identity for errors.Is/errors.As against the sentinels above.
func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(err, format, args...)
}
