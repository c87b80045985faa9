//go:build integration

package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS:            1,
		KeepAlive:      15,
		ConnectTimeout: 3,
		PublishTimeout: 2,
	}
}

// subscribe attaches a plain paho client to topic and returns the received payloads.
func subscribe(t *testing.T, topic string) <-chan []byte {
	t.Helper()

	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://127.0.0.1:1883").
		SetClientID("espnowgw-int-observer")
	observer := pahomqtt.NewClient(opts)
	if token := observer.Connect(); !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("observer connect failed: %v", token.Error())
	}
	t.Cleanup(func() { observer.Disconnect(100) })

	received := make(chan []byte, 16)
	token := observer.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		received <- msg.Payload()
	})
	if !token.WaitTimeout(3*time.Second) || token.Error() != nil {
		t.Fatalf("observer subscribe failed: %v", token.Error())
	}
	return received
}

func TestIntegration_ConnectPublishDisconnect(t *testing.T) {
	received := subscribe(t, "ESPNow/int/data")

	client := NewClient(integrationConfig("espnowgw-int-pub"), nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := client.Publish("ESPNow/int/data", []byte("AA:BB:CC:DD:EE:01 21.5"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != "AA:BB:CC:DD:EE:01 21.5" {
			t.Errorf("received = %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	client.Disconnect()
	if client.IsConnected() {
		t.Error("IsConnected() = true after Disconnect()")
	}
	if err := client.Publish("ESPNow/int/data", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Disconnect() error = %v, want ErrNotConnected", err)
	}

	// A disconnected client can connect again.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
}
