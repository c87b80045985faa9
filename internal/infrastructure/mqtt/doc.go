// Package mqtt provides the gateway's wired MQTT uplink.
//
// This package manages:
//   - Single, bounded connection attempts to the broker
//   - Message publishing with a bounded acknowledgement wait
//   - Last Will and Testament (LWT) so consumers see the gateway go offline
//   - Topic validation for publish topics
//
// # Reconnection
//
// paho's auto-reconnect and connect-retry are disabled. The bridge's
// reconnect supervisor calls Connect at most once per tick and stops after a
// fixed budget, which a library-owned retry loop would hide.
//
// # Usage
//
//	client := mqtt.NewClient(cfg.MQTT, &mqtt.Will{
//	    Topic: "ESPNow/status", Payload: []byte(`{"status":"offline"}`), QoS: 1, Retained: true,
//	})
//	if err := client.Connect(ctx); err != nil {
//	    // counted as one failed attempt
//	}
//	defer client.Close()
//
//	err := client.Publish("ESPNow/data", payload, 0, false)
package mqtt
