package mqtt

import "errors"

// Errors returned by Client. Match them with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: broker link down")
	ErrConnectionFailed = errors.New("mqtt: broker connect failed")
	ErrPublishFailed    = errors.New("mqtt: publish rejected")
	ErrTimeout          = errors.New("mqtt: publish not acknowledged in time")

	// Caller mistakes. Retrying the same publish cannot succeed.
	ErrInvalidQoS     = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic   = errors.New("mqtt: topic not publishable")
	ErrInvalidPayload = errors.New("mqtt: payload over size limit")
)

// IsPermanent reports whether err is a caller mistake that a retry will not
// fix. The bridge drops such frames instead of requeueing them.
func IsPermanent(err error) bool {
	for _, target := range []error{ErrInvalidTopic, ErrInvalidQoS, ErrInvalidPayload} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
