package espnow

import "errors"

// Domain errors for the ESP-NOW bridge package.
var (
	// ErrFrameTooLarge is returned by Route when a payload exceeds the
	// configured bound. The frame is dropped; the bridge keeps running.
	ErrFrameTooLarge = errors.New("espnow: frame payload too large")

	// ErrUnknownKind is returned when a frame kind has no topic binding.
	ErrUnknownKind = errors.New("espnow: unknown frame kind")

	// ErrInvalidMAC is returned when a MAC address string cannot be parsed.
	ErrInvalidMAC = errors.New("espnow: invalid MAC address")

	// ErrNodeNotFound is returned by NodeRecorder.GetNode for an unknown MAC.
	ErrNodeNotFound = errors.New("espnow: node not found")

	// ErrRestartRequired is returned by Run after the broker reconnect budget
	// is exhausted. The process is expected to exit and be restarted.
	ErrRestartRequired = errors.New("espnow: broker unreachable, restart required")
)
