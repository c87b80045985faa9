package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout applies when mqtt.connect_timeout is unset.
	defaultConnectTimeout = 3 * time.Second

	// connectSettle is how long Connect waits for paho to finish an attempt
	// after giving up on it, so the next attempt does not find one in flight.
	connectSettle = 200 * time.Millisecond

	// defaultPublishTimeout applies when mqtt.publish_timeout is unset.
	defaultPublishTimeout = 2 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive applies when mqtt.keep_alive is unset.
	defaultKeepAlive = 15 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options from gateway config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and optional credentials
//   - Clean session (the gateway only publishes)
//   - Auto-reconnect and connect-retry OFF; reconnection is owned by the bridge
//   - paho's connect timeout sized so an attempt ends inside mqtt.connect_timeout
//   - TLS 1.2+ when enabled
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	connectTimeout := cfg.GetConnectTimeout()
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(pahoConnectTimeout(connectTimeout))

	keepAlive := cfg.GetKeepAlive()
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(keepAlive / 2)

	// Publishes block on the bounded wait below, not on paho's internal queue.
	opts.SetWriteTimeout(defaultPublishTimeout)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// pahoConnectTimeout is paho's per-step bound for an attempt that must end
// within total. paho applies it to the dial and again to the CONNACK wait,
// so two steps plus settling have to fit inside total.
func pahoConnectTimeout(total time.Duration) time.Duration {
	return (total - connectSettle) / 2
}

// configureLWT registers the Last Will and Testament on the options.
func configureLWT(opts *pahomqtt.ClientOptions, will Will) {
	if will.Topic == "" {
		return
	}
	opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, will.Retained)
}
