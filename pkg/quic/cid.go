package quic

import (
	"crypto/rand"
	"errors"
)

// ConnectionID identifies a QUIC connection from one endpoint's perspective.
//
// Unlike RFC 9000, draft-12 bounds a non-empty connection ID to 4-18 bytes
// and packs both CID lengths of a long header into a single nibble byte
// (Section 4.1), rather than RFC 9000's separate one-byte-per-CID length
// prefix. A length of 0 means "no connection ID" (represented here as a
// nil/empty ConnectionID); any other length is carried as (length - 3) in
// a 4-bit field, so the wire length ranges over 4-18 inclusive (nibble 1-15).
type ConnectionID []byte

const (
	MinConnectionIDLen = 4
	MaxConnectionIDLen = 18
)

var (
	ErrConnectionIDTooShort = errors.New("quic: connection ID shorter than 4 bytes")
	ErrConnectionIDTooLong  = errors.New("quic: connection ID longer than 18 bytes")
)

// IsEmpty returns true if the connection ID is the zero-length CID.
func (c ConnectionID) IsEmpty() bool {
	return len(c) == 0
}

// Equal returns true if two connection IDs are byte-for-byte identical.
func (c ConnectionID) Equal(other ConnectionID) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Len returns the length of the connection ID in bytes.
func (c ConnectionID) Len() int {
	return len(c)
}

func (c ConnectionID) String() string {
	const hex = "0123456789abcdef"
	if len(c) == 0 {
		return "<empty>"
	}
	out := make([]byte, len(c)*2)
	for i, b := range c {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xF]
	}
	return string(out)
}

// validateConnectionIDLen checks that a non-empty CID falls in the
// draft-12 range; callers treat length 0 as valid separately.
func validateConnectionIDLen(n int) error {
	if n == 0 {
		return nil
	}
	if n < MinConnectionIDLen {
		return ErrConnectionIDTooShort
	}
	if n > MaxConnectionIDLen {
		return ErrConnectionIDTooLong
	}
	return nil
}

// GenerateConnectionID returns a random connection ID of length n (0 or
// 4-18). Callers that need an unpredictable, unroutable CID for use as a
// new local connection ID use this rather than a monotonic counter.
func GenerateConnectionID(n int) (ConnectionID, error) {
	if err := validateConnectionIDLen(n); err != nil {
		return nil, err
	}
	if n == 0 {
		return ConnectionID{}, nil
	}
	cid := make([]byte, n)
	if _, err := rand.Read(cid); err != nil {
		return nil, err
	}
	return ConnectionID(cid), nil
}

// cidLenNibble converts a wire CID byte length into its 4-bit encoded
// form: 0 for an empty CID, otherwise (length - 3), per draft-12 Section
// 4.1. Only valid for lengths already checked by validateConnectionIDLen.
func cidLenNibble(n int) byte {
	if n == 0 {
		return 0
	}
	return byte(n - 3)
}

// cidNibbleLen is the inverse of cidLenNibble: it recovers the wire byte
// length of a connection ID from its 4-bit encoded form.
func cidNibbleLen(nibble byte) int {
	if nibble == 0 {
		return 0
	}
	return int(nibble) + 3
}

// encodeCIDLengths packs the destination and source connection ID lengths
// of a long header packet into the single length byte that follows the
// version field: high nibble is the destination CID length, low nibble is
// the source CID length.
func encodeCIDLengths(destLen, srcLen int) (byte, error) {
	if err := validateConnectionIDLen(destLen); err != nil {
		return 0, err
	}
	if err := validateConnectionIDLen(srcLen); err != nil {
		return 0, err
	}
	return cidLenNibble(destLen)<<4 | cidLenNibble(srcLen), nil
}

// decodeCIDLengths unpacks the destination and source connection ID
// lengths from the long header length byte.
func decodeCIDLengths(b byte) (destLen, srcLen int) {
	return cidNibbleLen(b >> 4), cidNibbleLen(b & 0x0F)
}

// appendConnectionID appends the raw bytes of a connection ID to buf with
// no length prefix; the caller is expected to already know (from the
// nibble-length byte, or from the fixed length used in a short header)
// how many bytes to read back.
func appendConnectionID(buf []byte, cid ConnectionID) []byte {
	return append(buf, cid...)
}

// parseConnectionIDN reads exactly n bytes from data as a connection ID.
func parseConnectionIDN(data []byte, n int) (ConnectionID, int, error) {
	if n == 0 {
		return ConnectionID{}, 0, nil
	}
	if len(data) < n {
		return nil, 0, ErrVarintTrunc
	}
	cid := make([]byte, n)
	copy(cid, data[:n])
	return ConnectionID(cid), n, nil
}
