package espnow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Routing defaults.
const (
	// DefaultMaxPayload bounds the wireless payload accepted for publishing.
	DefaultMaxPayload = 256

	DefaultInfoTopic   = "ESPNow/info"
	DefaultDataTopic   = "ESPNow/data"
	DefaultStatusTopic = "ESPNow/status"
)

// PayloadFormat selects how a frame is rendered into a broker payload.
type PayloadFormat string

// Payload formats.
const (
	// FormatJSON wraps the payload in {"mac":..,"kind":..,"payload":..}.
	// Payloads that are not valid UTF-8 are carried base64-encoded in
	// "payload_b64" instead.
	FormatJSON PayloadFormat = "json"

	// FormatTagged prefixes the raw payload with the sender MAC and a space.
	FormatTagged PayloadFormat = "tagged"

	// FormatRaw publishes the payload bytes unchanged.
	FormatRaw PayloadFormat = "raw"
)

// TopicBinding maps frame kinds to broker topics. It is fixed for the
// lifetime of a Router.
type TopicBinding struct {
	Info string
	Data string
}

// Topic returns the topic bound to kind.
func (b TopicBinding) Topic(kind Kind) (string, bool) {
	switch kind {
	case KindInfo:
		return b.Info, b.Info != ""
	case KindData:
		return b.Data, b.Data != ""
	default:
		return "", false
	}
}

// Message is a routed frame ready to publish.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Topics defaults to ESPNow/info and ESPNow/data.
	Topics TopicBinding

	// Format defaults to FormatJSON.
	Format PayloadFormat

	// MaxPayload defaults to DefaultMaxPayload.
	MaxPayload int

	QoS      byte
	Retained bool
}

// Router converts frames into broker messages.
// Route has no side effects, so one Router may be shared freely.
type Router struct {
	topics     TopicBinding
	format     PayloadFormat
	maxPayload int
	qos        byte
	retained   bool
}

// envelope is the FormatJSON payload. Field order is fixed by the struct,
// which keeps the encoding byte-for-byte deterministic.
type envelope struct {
	MAC        string  `json:"mac"`
	Kind       string  `json:"kind"`
	Payload    *string `json:"payload,omitempty"`
	PayloadB64 string  `json:"payload_b64,omitempty"`
}

// NewRouter validates options and returns a Router.
func NewRouter(opts RouterOptions) (*Router, error) {
	topics := opts.Topics
	if topics.Info == "" {
		topics.Info = DefaultInfoTopic
	}
	if topics.Data == "" {
		topics.Data = DefaultDataTopic
	}

	format := opts.Format
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatTagged, FormatRaw:
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}

	maxPayload := opts.MaxPayload
	if maxPayload < 0 {
		return nil, fmt.Errorf("max payload cannot be negative")
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	if opts.QoS > 2 {
		return nil, fmt.Errorf("qos must be 0, 1, or 2")
	}

	return &Router{
		topics:     topics,
		format:     format,
		maxPayload: maxPayload,
		qos:        opts.QoS,
		retained:   opts.Retained,
	}, nil
}

// Route maps a frame to its message.
//
// Returns:
//   - Message: Topic from the binding, payload per the configured format
//   - error: ErrUnknownKind, or ErrFrameTooLarge when the wireless payload
//     exceeds the bound
func (r *Router) Route(f Frame) (Message, error) {
	if len(f.Payload) > r.maxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes from %s exceeds %d",
			ErrFrameTooLarge, len(f.Payload), f.Sender, r.maxPayload)
	}
	return r.routeLocal(f)
}

// routeLocal routes a frame the gateway built itself. The payload bound
// guards wireless frames only, so it is not applied here.
func (r *Router) routeLocal(f Frame) (Message, error) {
	topic, ok := r.topics.Topic(f.Kind)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s from %s", ErrUnknownKind, f.Kind, f.Sender)
	}

	payload, err := r.render(f)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      r.qos,
		Retained: r.retained,
	}, nil
}

func (r *Router) render(f Frame) ([]byte, error) {
	switch r.format {
	case FormatRaw:
		out := make([]byte, len(f.Payload))
		copy(out, f.Payload)
		return out, nil

	case FormatTagged:
		mac := f.Sender.String()
		out := make([]byte, 0, len(mac)+1+len(f.Payload))
		out = append(out, mac...)
		out = append(out, ' ')
		return append(out, f.Payload...), nil

	default:
		env := envelope{
			MAC:  f.Sender.String(),
			Kind: f.Kind.String(),
		}
		if utf8.Valid(f.Payload) {
			s := string(f.Payload)
			env.Payload = &s
		} else {
			env.PayloadB64 = base64.StdEncoding.EncodeToString(f.Payload)
		}
		out, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encoding envelope: %w", err)
		}
		return out, nil
	}
}

// Topics returns the topic binding.
func (r *Router) Topics() TopicBinding {
	return r.topics
}

// Format returns the payload format.
func (r *Router) Format() PayloadFormat {
	return r.format
}

// MaxPayload returns the payload bound in bytes.
func (r *Router) MaxPayload() int {
	return r.maxPayload
}
