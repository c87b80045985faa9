package mqtt

import (
	"fmt"
	"time"
)

// Maximum payload size accepted by Publish (1MB).
// Bridge messages are far smaller; this guards against misuse.
const maxPayloadSize = 1 << 20

// Publish sends a message to the specified MQTT topic.
//
// The wait for the broker's acknowledgement is bounded by
// mqtt.publish_timeout. Validation errors (ErrInvalidTopic, ErrInvalidQoS)
// mean the message can never succeed; every other error is transient.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "ESPNow/data")
//   - payload: The message payload
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrInvalidPayload, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	timeout := c.publishTimeout()
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishTimeout exposes the effective publish bound for diagnostics.
func (c *Client) PublishTimeout() time.Duration {
	return c.publishTimeout()
}
