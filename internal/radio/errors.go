package radio

import "errors"

// Domain errors for the receiver dongle link.
var (
	// ErrInvalidLength is returned when a frame's length field is outside the
	// accepted range. The reader resynchronises on the next header.
	ErrInvalidLength = errors.New("radio: invalid frame length")

	// ErrInvalidKind is returned when a frame carries an unknown kind byte.
	ErrInvalidKind = errors.New("radio: invalid frame kind")

	// ErrPayloadTooLarge is returned by EncodePacket for oversize payloads.
	ErrPayloadTooLarge = errors.New("radio: payload too large")

	// ErrNoPort is returned when no serial port is configured.
	ErrNoPort = errors.New("radio: serial port not configured")
)

// isFrameError reports whether err is a recoverable framing problem rather
// than an I/O failure on the port.
func isFrameError(err error) bool {
	return errors.Is(err, ErrInvalidLength) || errors.Is(err, ErrInvalidKind)
}
