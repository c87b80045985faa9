// Package espnow implements the ESP-NOW to MQTT bridge core.
//
// Sensor nodes broadcast short frames over ESP-NOW. A receiver dongle hands
// each frame to the gateway, which queues it and republishes it on the MQTT
// broker under a topic chosen by the frame kind.
//
// # Architecture
//
//	┌──────────────┐  Receive   ┌─────────┐  Tick   ┌────────┐  Publish   ┌────────┐
//	│ radio (UART) │───────────►│  Inbox  │────────►│ Router │───────────►│ Broker │
//	└──────────────┘ non-block  └─────────┘  drain  └────────┘            └────────┘
//	                                              ▲
//	                                  Supervisor ─┘ connect / retry budget / FATAL
//
// The radio side calls Bridge.Receive, which never blocks; a full inbox
// evicts the oldest frame (or refuses the new one under drop_newest). All
// blocking work runs inside Bridge.Run, one tick at a time.
//
// # Connection lifecycle
//
// The Supervisor moves between DISCONNECTED, CONNECTING and CONNECTED. Each
// failed connect consumes one attempt from the retry budget; a success
// resets it. When the budget is exhausted the state becomes FATAL, Run
// returns ErrRestartRequired and the process is expected to restart.
//
// A transient publish failure demotes the link to DISCONNECTED and the frame
// is requeued once. Frames drained while the link is down are dropped.
//
// # Topics
//
//   - ESPNow/info: INFO frames, including the gateway's own announcement
//   - ESPNow/data: DATA frames
//   - ESPNow/status: retained gateway status and Last Will
//
// # Thread Safety
//
// Receive, Stats and State are safe from any goroutine. Tick must only be
// called from the goroutine running Run (or instead of Run).
package espnow
