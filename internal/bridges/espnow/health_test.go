package espnow

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestLWTPayload(t *testing.T) {
	payload := LWTPayload(GatewayInfo{ID: "gw-01", BootID: "boot-9"})

	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("LWT payload is not JSON: %v", err)
	}
	if msg.Status != HealthOffline {
		t.Errorf("Status = %q, want offline", msg.Status)
	}
	if msg.GatewayID != "gw-01" || msg.BootID != "boot-9" {
		t.Errorf("GatewayID, BootID = %q, %q", msg.GatewayID, msg.BootID)
	}
	if msg.Reason != "connection_lost" {
		t.Errorf("Reason = %q, want connection_lost", msg.Reason)
	}
	if LWTQoS() != 1 {
		t.Errorf("LWTQoS() = %d, want 1", LWTQoS())
	}
}

func TestBridge_OnlineStatusOnConnect(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.bridge.Tick(context.Background())

	status := rig.pub.OnTopic(DefaultStatusTopic)
	if len(status) != 2 {
		t.Fatalf("status publishes = %d, want online + health", len(status))
	}
	for _, p := range status {
		if !p.Retained || p.QoS != 1 {
			t.Errorf("status publish retained=%v qos=%d, want retained qos 1", p.Retained, p.QoS)
		}
	}

	var online HealthMessage
	if err := json.Unmarshal(status[0].Payload, &online); err != nil {
		t.Fatal(err)
	}
	if online.Status != HealthOnline || online.Stats != nil {
		t.Errorf("first status = %+v, want bare online", online)
	}
}

func TestBridge_PeriodicHealth(t *testing.T) {
	rig := newTestRig(t, func(o *Options, _ *SupervisorOptions) { o.HealthInterval = 30 * time.Second })
	ctx := context.Background()

	rig.bridge.Tick(ctx)
	rig.pub.ClearPublished()

	rig.bridge.Receive(nodeMAC, KindData, []byte("1"))
	rig.clock.Advance(10 * time.Second)
	rig.bridge.Tick(ctx)
	if got := len(rig.pub.OnTopic(DefaultStatusTopic)); got != 0 {
		t.Errorf("status publishes before the interval = %d, want 0", got)
	}

	rig.clock.Advance(20 * time.Second)
	rig.bridge.Tick(ctx)

	status := rig.pub.OnTopic(DefaultStatusTopic)
	if len(status) != 1 {
		t.Fatalf("status publishes at the interval = %d, want 1", len(status))
	}

	var msg HealthMessage
	if err := json.Unmarshal(status[0].Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != HealthOnline || msg.GatewayID != "gw-test" {
		t.Errorf("health = %+v", msg)
	}
	if msg.Stats == nil {
		t.Fatal("health message carries no stats")
	}
	if msg.Stats.State != "connected" || msg.Stats.FramesPublished != 1 {
		t.Errorf("stats = %+v, want connected with 1 published", *msg.Stats)
	}
	if msg.UptimeSeconds != 30 {
		t.Errorf("UptimeSeconds = %d, want 30", msg.UptimeSeconds)
	}

	if statWrites, _ := rig.telemetry.counts(); statWrites != 2 {
		t.Errorf("gateway telemetry writes = %d, want 2", statWrites)
	}
	if got := rig.bridge.Stats().HealthPublishes; got != 2 {
		t.Errorf("HealthPublishes = %d, want 2", got)
	}
}

func TestBridge_HealthFailureDemotes(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.pub.setFail(failOnce(DefaultStatusTopic, 1, errTransient))

	// The online status fails, so the health report is skipped.
	if got := rig.bridge.Tick(context.Background()); got != StateDisconnected {
		t.Errorf("Tick() = %v, want disconnected after status publish failure", got)
	}
	if got := rig.bridge.Stats().HealthPublishes; got != 0 {
		t.Errorf("HealthPublishes = %d, want 0", got)
	}
}

func TestStats_Fields(t *testing.T) {
	s := Stats{
		State:           "connected",
		FramesPublished: 4,
		DroppedOverflow: 1,
		DroppedOffline:  2,
		InboxDepth:      3,
	}

	fields := s.Fields()
	if fields["dropped_total"] != int64(3) {
		t.Errorf("dropped_total = %v, want 3", fields["dropped_total"])
	}
	if fields["frames_published"] != int64(4) {
		t.Errorf("frames_published = %v, want 4", fields["frames_published"])
	}
	if fields["state"] != "connected" {
		t.Errorf("state = %v, want connected", fields["state"])
	}
}
