package espnow

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// macLength is the number of bytes in an ESP-NOW sender address.
const macLength = 6

// MAC is the 6-byte hardware address of a sensor node.
type MAC [macLength]byte

// ParseMAC parses "AA:BB:CC:DD:EE:01" (case-insensitive; '-' also accepted).
//
// Returns:
//   - MAC: Parsed address
//   - error: ErrInvalidMAC if parsing fails
func ParseMAC(s string) (MAC, error) {
	var m MAC

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != macLength {
		return m, fmt.Errorf("%w: expected 6 octets, got %q", ErrInvalidMAC, s)
	}

	for i, p := range parts {
		if len(p) != 2 {
			return m, fmt.Errorf("%w: octet %d of %q must be two hex digits", ErrInvalidMAC, i, s)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return m, fmt.Errorf("%w: octet %d of %q: %w", ErrInvalidMAC, i, s, err)
		}
		m[i] = b[0]
	}
	return m, nil
}

// String returns the canonical upper-case colon-separated form.
func (m MAC) String() string {
	const hexDigits = "0123456789ABCDEF"
	buf := make([]byte, 0, macLength*3-1)
	for i, b := range m {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(buf)
}

// Kind classifies a wireless frame. Values match the kind byte forwarded by
// the receiver dongle.
type Kind uint8

// Frame kinds.
const (
	KindInfo Kind = 0x01
	KindData Kind = 0x02
)

// String returns "info", "data", or "kind(0xNN)" for unknown values.
func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	return k == KindInfo || k == KindData
}

// Frame is one message received from the wireless side.
// A Frame's payload is owned by the frame and never modified after creation.
type Frame struct {
	Sender     MAC
	Kind       Kind
	Payload    []byte
	ReceivedAt time.Time

	// requeued marks a frame that has already been given its one retry.
	requeued bool
}

// NewFrame builds a frame, copying payload so the radio driver may reuse its buffer.
func NewFrame(sender MAC, kind Kind, payload []byte, receivedAt time.Time) Frame {
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return Frame{
		Sender:     sender,
		Kind:       kind,
		Payload:    owned,
		ReceivedAt: receivedAt,
	}
}

// Requeued reports whether the frame has already been put back once.
func (f Frame) Requeued() bool {
	return f.requeued
}
