// Package logging provides structured logging for the ESP-NOW gateway.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same handler, level and default fields.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for bench debugging (human-readable)
//   - Default fields (service, version, pid) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	bridgeLog := logger.Component("bridge")
//	bridgeLog.Info("broker connected", "host", cfg.MQTT.Broker.Host)
//
// # Security
//
// Never log broker passwords or InfluxDB tokens. Payload bytes are logged by
// size only.
package logging
