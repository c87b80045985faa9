package radio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
)

// Wire format written by the receiver dongle for every ESP-NOW frame:
//
//	0xE5 0x4E | len (uint16 BE) | mac (6) | kind (1) | payload (len-7)
var frameHeader = [2]byte{0xE5, 0x4E}

const (
	// bodyOverhead is the mac and kind bytes counted by the length field.
	bodyOverhead = 7

	// MaxPayload is the largest payload accepted on the wire. The ESP-NOW
	// limit is 250; the slack lets the bridge report oversize frames rather
	// than losing them to a framing error.
	MaxPayload = 512
)

// Packet is one decoded ESP-NOW frame as forwarded by the dongle.
type Packet struct {
	MAC     espnow.MAC
	Kind    espnow.Kind
	Payload []byte
}

type readFullFunc func(buf []byte) error

// EncodePacket renders p in the dongle wire format.
func EncodePacket(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(p.Payload))
	}

	frame := make([]byte, 4+bodyOverhead+len(p.Payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	// #nosec G115 -- length is bounded by MaxPayload above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(bodyOverhead+len(p.Payload)))
	copy(frame[4:10], p.MAC[:])
	frame[10] = byte(p.Kind)
	copy(frame[11:], p.Payload)

	return frame, nil
}

// readPacket reads the next frame, skipping any bytes before a header.
func readPacket(readFull readFullFunc) (Packet, error) {
	if err := resyncToHeader(readFull); err != nil {
		return Packet{}, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return Packet{}, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln < bodyOverhead || ln > bodyOverhead+MaxPayload {
		return Packet{}, fmt.Errorf("%w: %d", ErrInvalidLength, ln)
	}

	body := make([]byte, ln)
	if err := readFull(body); err != nil {
		return Packet{}, fmt.Errorf("read frame body: %w", err)
	}

	var p Packet
	copy(p.MAC[:], body[:6])
	p.Kind = espnow.Kind(body[6])
	p.Payload = body[bodyOverhead:]

	if !p.Kind.Valid() {
		return Packet{}, fmt.Errorf("%w: 0x%02x from %s", ErrInvalidKind, body[6], p.MAC)
	}
	return p, nil
}

// resyncToHeader consumes bytes until the two header bytes have been read.
// A header byte followed by another first header byte is handled, so noise
// ending in 0xE5 does not swallow the real header.
func resyncToHeader(readFull readFullFunc) error {
	var buf [1]byte
	var prev byte
	for {
		if err := readFull(buf[:]); err != nil {
			return fmt.Errorf("read frame header: %w", err)
		}
		if prev == frameHeader[0] && buf[0] == frameHeader[1] {
			return nil
		}
		prev = buf[0]
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)
		return err
	}
}
