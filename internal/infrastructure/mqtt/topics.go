package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTopicLength is the MQTT 3.1.1 limit on UTF-8 encoded topic names.
const maxTopicLength = 65535

// ValidatePublishTopic checks that a topic name is legal for PUBLISH.
//
// Publish topics must be non-empty valid UTF-8, must not contain the
// wildcards '+' or '#', and must not contain NUL.
func ValidatePublishTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case len(topic) > maxTopicLength:
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	case !utf8.ValidString(topic):
		return fmt.Errorf("%w: topic is not valid UTF-8", ErrInvalidTopic)
	case strings.ContainsAny(topic, "+#\x00"):
		return fmt.Errorf("%w: %q contains a wildcard or NUL", ErrInvalidTopic, topic)
	}
	return nil
}
