package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the gateway's wired uplink.
//
// Unlike a typical long-lived subscriber, this client never reconnects on its
// own. Each Connect call is exactly one bounded attempt; the bridge's
// reconnect supervisor decides when to try again and when to give up.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// connected tracks the last known connection state.
	connected bool
	connMu    sync.RWMutex

	// attemptMu serialises Connect and Disconnect.
	attemptMu sync.Mutex

	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Will is the Last Will and Testament registered with the broker.
// The broker publishes it if the gateway drops off without a clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// NewClient builds a client from configuration without connecting.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//   - will: Optional LWT; nil registers none
//
// Returns:
//   - *Client: Disconnected client; call Connect to attach to the broker
func NewClient(cfg config.MQTTConfig, will *Will) *Client {
	opts := buildClientOptions(cfg)
	if will != nil {
		configureLWT(opts, *will)
	}

	c := &Client{
		cfg:     cfg,
		options: opts,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect makes a single connection attempt to the broker.
//
// The attempt is bounded by mqtt.connect_timeout and by ctx, whichever
// expires first. A timed-out or refused attempt returns an error wrapping
// ErrConnectionFailed; the client stays usable for another attempt.
//
// Parameters:
//   - ctx: Cancels the wait for the broker's CONNACK
//
// Returns:
//   - error: nil once connected
func (c *Client) Connect(ctx context.Context) error {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	timeout := c.connectTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-timer.C:
		token.WaitTimeout(connectSettle)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; set the state here so
	// IsConnected is true as soon as Connect returns.
	c.setConnected(true)
	return nil
}

// Disconnect closes the broker connection, allowing pending publishes to
// drain for a short quiesce period. Calling it while disconnected is a no-op.
func (c *Client) Disconnect() {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	c.setConnected(false)
}

// Close is Disconnect with an error return, for deferred cleanup chains.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.Disconnect()
	return nil
}

// handleConnect is called by paho when the connection is established.
func (c *Client) handleConnect() {
	c.setConnected(true)
}

// handleDisconnect is called by paho when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected reports whether the client believes the link is up.
// It combines the last observed state with paho's own view.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnectionOpen()
}

// SetOnDisconnect sets a callback invoked when an established connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection-loss warnings.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) connectTimeout() time.Duration {
	if d := c.cfg.GetConnectTimeout(); d > 0 {
		return d
	}
	return defaultConnectTimeout
}

func (c *Client) publishTimeout() time.Duration {
	if d := c.cfg.GetPublishTimeout(); d > 0 {
		return d
	}
	return defaultPublishTimeout
}
