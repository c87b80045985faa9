package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the ESP-NOW gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Ethernet EthernetConfig `yaml:"ethernet"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Radio    RadioConfig    `yaml:"radio"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig contains gateway identity.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// EthernetConfig describes the wired interface of the gateway.
//
// The link itself is brought up outside the gateway (static addressing on the
// host). These values are validated and reported in the gateway's INFO
// announcement so consumers can identify which gateway a node is heard through.
type EthernetConfig struct {
	MAC     string `yaml:"mac"`
	IP      string `yaml:"ip"`
	Mask    string `yaml:"mask"`
	Gateway string `yaml:"gateway"`
	DNS     string `yaml:"dns"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	KeepAlive      int                 `yaml:"keep_alive"`      // seconds
	ConnectTimeout int                 `yaml:"connect_timeout"` // seconds
	PublishTimeout int                 `yaml:"publish_timeout"` // seconds
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// String returns the credentials with the password masked.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTAuthConfig{Username:%q, Password:%s}", a.Username, password)
}

// MQTTReconnectConfig bounds reconnection to the broker.
type MQTTReconnectConfig struct {
	// MaxAttempts is the number of consecutive failed connects before the
	// gateway gives up and requests a process restart.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryInterval is the minimum time between connect attempts (seconds).
	// Zero attempts on every bridge tick.
	RetryInterval int `yaml:"retry_interval"`
}

// BridgeConfig contains the wireless-to-broker bridge settings.
type BridgeConfig struct {
	InboxCapacity  int    `yaml:"inbox_capacity"`
	DropPolicy     string `yaml:"drop_policy"` // drop_oldest, drop_newest
	DrainPerTick   int    `yaml:"drain_per_tick"`
	TickInterval   int    `yaml:"tick_interval"`   // milliseconds
	HealthInterval int    `yaml:"health_interval"` // seconds
	PayloadFormat  string `yaml:"payload_format"`  // json, tagged, raw
	MaxPayload     int    `yaml:"max_payload"`     // bytes
	InfoTopic      string `yaml:"info_topic"`
	DataTopic      string `yaml:"data_topic"`
	StatusTopic    string `yaml:"status_topic"`
	Retain         bool   `yaml:"retain"`
}

// RadioConfig contains the serial link to the ESP-NOW receiver dongle.
type RadioConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	ReopenDelay int    `yaml:"reopen_delay"` // seconds
}

// DatabaseConfig contains SQLite database settings for the node registry.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the diagnostics HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MaxGatewayIDLen bounds gateway.id, which appears in every announcement,
// health message and telemetry point.
const MaxGatewayIDLen = 64

// Drop policies for a full inbox.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

// Payload formats.
const (
	PayloadJSON   = "json"
	PayloadTagged = "tagged"
	PayloadRaw    = "raw"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ESPNOWGW_SECTION_KEY
// For example: ESPNOWGW_MQTT_HOST, ESPNOWGW_RADIO_PORT
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the gateway's stock settings.
//
// The reconnect budget (10), payload bound (256 bytes) and topics match the
// deployed sensor firmware and broker consumers.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "espnow-gw-01",
			Name: "ESP-NOW Gateway",
		},
		Ethernet: EthernetConfig{
			MAC:     "02:F0:0D:BE:EF:01",
			IP:      "192.168.1.100",
			Mask:    "255.255.255.0",
			Gateway: "192.168.1.1",
			DNS:     "192.168.1.39",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "192.168.1.200",
				Port:     1883,
				ClientID: "espnow-gw-01",
			},
			QoS:            0,
			KeepAlive:      15,
			ConnectTimeout: 3,
			PublishTimeout: 2,
			Reconnect: MQTTReconnectConfig{
				MaxAttempts:   10,
				RetryInterval: 5,
			},
		},
		Bridge: BridgeConfig{
			InboxCapacity:  64,
			DropPolicy:     DropOldest,
			DrainPerTick:   32,
			TickInterval:   100,
			HealthInterval: 30,
			PayloadFormat:  PayloadJSON,
			MaxPayload:     256,
			InfoTopic:      "ESPNow/info",
			DataTopic:      "ESPNow/data",
			StatusTopic:    "ESPNow/status",
		},
		Radio: RadioConfig{
			Enabled:     true,
			Port:        "/dev/ttyUSB0",
			Baud:        115200,
			ReopenDelay: 2,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/espnowgw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ESPNOWGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("ESPNOWGW_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}

	// MQTT
	if v := os.Getenv("ESPNOWGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ESPNOWGW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ESPNOWGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ESPNOWGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Radio
	if v := os.Getenv("ESPNOWGW_RADIO_PORT"); v != "" {
		cfg.Radio.Port = v
	}

	// Database
	if v := os.Getenv("ESPNOWGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("ESPNOWGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together so an operator can fix
// the file in one pass.
func (c *Config) Validate() error {
	var errs []string

	switch {
	case c.Gateway.ID == "":
		errs = append(errs, "gateway.id is required")
	case len(c.Gateway.ID) > MaxGatewayIDLen:
		errs = append(errs, fmt.Sprintf("gateway.id must be at most %d bytes", MaxGatewayIDLen))
	}

	if c.Ethernet.MAC != "" {
		if _, err := net.ParseMAC(c.Ethernet.MAC); err != nil {
			errs = append(errs, fmt.Sprintf("ethernet.mac %q is not a valid MAC address", c.Ethernet.MAC))
		}
	}
	for name, addr := range map[string]string{
		"ethernet.ip":      c.Ethernet.IP,
		"ethernet.mask":    c.Ethernet.Mask,
		"ethernet.gateway": c.Ethernet.Gateway,
		"ethernet.dns":     c.Ethernet.DNS,
	} {
		if addr != "" && net.ParseIP(addr) == nil {
			errs = append(errs, fmt.Sprintf("%s %q is not a valid IP address", name, addr))
		}
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.connect_timeout must be positive")
	}
	if c.MQTT.PublishTimeout <= 0 {
		errs = append(errs, "mqtt.publish_timeout must be positive")
	}
	if c.MQTT.Reconnect.MaxAttempts < 1 {
		errs = append(errs, "mqtt.reconnect.max_attempts must be at least 1")
	}
	if c.MQTT.Reconnect.RetryInterval < 0 {
		errs = append(errs, "mqtt.reconnect.retry_interval cannot be negative")
	}

	// Bridge validation
	if c.Bridge.InboxCapacity < 1 {
		errs = append(errs, "bridge.inbox_capacity must be at least 1")
	}
	if c.Bridge.DropPolicy != DropOldest && c.Bridge.DropPolicy != DropNewest {
		errs = append(errs, "bridge.drop_policy must be drop_oldest or drop_newest")
	}
	if c.Bridge.DrainPerTick < 1 {
		errs = append(errs, "bridge.drain_per_tick must be at least 1")
	}
	if c.Bridge.TickInterval < 1 {
		errs = append(errs, "bridge.tick_interval must be at least 1ms")
	}
	switch c.Bridge.PayloadFormat {
	case PayloadJSON, PayloadTagged, PayloadRaw:
	default:
		errs = append(errs, "bridge.payload_format must be json, tagged, or raw")
	}
	if c.Bridge.MaxPayload < 1 {
		errs = append(errs, "bridge.max_payload must be positive")
	}
	if c.Bridge.InfoTopic == "" || c.Bridge.DataTopic == "" || c.Bridge.StatusTopic == "" {
		errs = append(errs, "bridge.info_topic, bridge.data_topic and bridge.status_topic are required")
	}

	// Radio validation
	if c.Radio.Enabled {
		if c.Radio.Port == "" {
			errs = append(errs, "radio.port is required when radio is enabled")
		}
		if c.Radio.Baud <= 0 {
			errs = append(errs, "radio.baud must be positive")
		}
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the broker connect timeout as a Duration.
func (c *MQTTConfig) GetConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// GetPublishTimeout returns the broker publish timeout as a Duration.
func (c *MQTTConfig) GetPublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeout) * time.Second
}

// GetKeepAlive returns the MQTT keep-alive interval as a Duration.
func (c *MQTTConfig) GetKeepAlive() time.Duration {
	return time.Duration(c.KeepAlive) * time.Second
}

// GetRetryInterval returns the minimum spacing between connect attempts.
func (c *MQTTConfig) GetRetryInterval() time.Duration {
	return time.Duration(c.Reconnect.RetryInterval) * time.Second
}

// GetTickInterval returns the bridge loop tick as a Duration.
func (c *BridgeConfig) GetTickInterval() time.Duration {
	return time.Duration(c.TickInterval) * time.Millisecond
}

// GetHealthInterval returns the health publishing interval as a Duration.
func (c *BridgeConfig) GetHealthInterval() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

// GetReopenDelay returns the delay before reopening a failed serial port.
func (c *RadioConfig) GetReopenDelay() time.Duration {
	return time.Duration(c.ReopenDelay) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}
