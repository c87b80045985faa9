package espnow

import (
	"encoding/json"
	"time"
)

// statusQoS is used for every message on the status topic, including the LWT.
const statusQoS = 1

// HealthStatus is the gateway status carried on the status topic.
type HealthStatus string

const (
	// HealthOnline is published on connect and with every health report.
	HealthOnline HealthStatus = "online"

	// HealthOffline is the LWT and the graceful shutdown status.
	HealthOffline HealthStatus = "offline"
)

// GatewayInfo identifies the gateway in announcements and health messages.
type GatewayInfo struct {
	ID      string
	Name    string
	Version string

	// BootID is unique per process start, so consumers can tell a restart
	// from a reconnect.
	BootID string

	// MAC is the Ethernet MAC; announcements are sent with it as sender.
	MAC MAC
	IP  string
}

// HealthMessage is published retained on the status topic.
type HealthMessage struct {
	Status    HealthStatus `json:"status"`
	GatewayID string       `json:"gateway_id"`
	BootID    string       `json:"boot_id,omitempty"`
	Version   string       `json:"version,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Stats         *Stats `json:"stats,omitempty"`
}

// announcement is the INFO payload sent when the broker link comes up.
// Kept compact so it stays well inside the payload bound.
type announcement struct {
	Event   string `json:"event"`
	ID      string `json:"id"`
	IP      string `json:"ip,omitempty"`
	Version string `json:"ver,omitempty"`
	BootID  string `json:"boot,omitempty"`
	Connect uint64 `json:"connect"`
}

// LWTPayload returns the Last Will and Testament registered with the broker.
func LWTPayload(gw GatewayInfo) []byte {
	data, _ := json.Marshal(HealthMessage{ //nolint:errcheck // Plain struct, cannot fail
		Status:    HealthOffline,
		GatewayID: gw.ID,
		BootID:    gw.BootID,
		Reason:    "connection_lost",
		Timestamp: time.Now().UTC(),
	})
	return data
}

// LWTQoS is the QoS to register the will with.
func LWTQoS() byte {
	return statusQoS
}

func (b *Bridge) healthMessage(status HealthStatus, reason string, withStats bool) ([]byte, error) {
	now := b.now()
	msg := HealthMessage{
		Status:    status,
		GatewayID: b.gateway.ID,
		BootID:    b.gateway.BootID,
		Version:   b.gateway.Version,
		Reason:    reason,
		Timestamp: now.UTC(),
	}
	if withStats {
		stats := b.Stats()
		msg.Stats = &stats
		msg.UptimeSeconds = int64(now.Sub(b.startTime) / time.Second)
	}
	return json.Marshal(msg)
}

// publishStatus publishes a retained message on the status topic.
func (b *Bridge) publishStatus(status HealthStatus, reason string, withStats bool) error {
	payload, err := b.healthMessage(status, reason, withStats)
	if err != nil {
		return err
	}
	return b.publisher.Publish(b.statusTopic, payload, statusQoS, true)
}

// announce publishes the gateway-online INFO frame and the retained online
// status. Runs on every transition into CONNECTED.
func (b *Bridge) announce() {
	payload, err := json.Marshal(announcement{
		Event:   "online",
		ID:      b.gateway.ID,
		IP:      b.gateway.IP,
		Version: b.gateway.Version,
		BootID:  b.gateway.BootID,
		Connect: b.supervisor.Connects(),
	})
	if err != nil {
		b.logError("encoding announcement", err)
		return
	}

	msg, err := b.router.routeLocal(NewFrame(b.gateway.MAC, KindInfo, payload, b.now()))
	if err != nil {
		b.logError("routing announcement", err)
		return
	}

	if err := b.publisher.Publish(msg.Topic, msg.Payload, msg.QoS, false); err != nil {
		b.reportPublishError("announcement", err)
		return
	}
	b.stats.announcements.Add(1)
	b.offerTap(msg.Topic, msg.Payload)

	if err := b.publishStatus(HealthOnline, "", false); err != nil {
		b.reportPublishError("online status", err)
	}
}

// reportHealth publishes the retained health message when connected and
// writes gateway telemetry regardless of the broker link.
func (b *Bridge) reportHealth(state ConnectionState) {
	stats := b.Stats()

	if b.telemetry != nil {
		b.telemetry.WriteGatewayStats(stats.Fields())
	}

	if state != StateConnected {
		return
	}
	if err := b.publishStatus(HealthOnline, "", true); err != nil {
		b.reportPublishError("health", err)
		return
	}
	b.stats.healthPublishes.Add(1)
}

// reportPublishError classifies a failed side-channel publish.
func (b *Bridge) reportPublishError(what string, err error) {
	if b.isPermanent(err) {
		b.logError("publishing "+what, err)
		return
	}
	b.stats.publishFailures.Add(1)
	b.supervisor.ReportPublishFailure(err)
}
