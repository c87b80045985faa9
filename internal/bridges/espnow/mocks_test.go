package espnow

import (
	"context"
	"sync"
	"time"
)

// mockBroker implements Broker for testing.
type mockBroker struct {
	mu              sync.Mutex
	connected       bool
	connectErr      error
	connectCalls    int
	disconnectCalls int
	hangFrom        int // if > 0, this and later attempts block until ctx is done
}

func (m *mockBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connectCalls++
	if m.hangFrom > 0 && m.connectCalls >= m.hangFrom {
		m.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockBroker) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	m.connected = false
}

// drop simulates the link dying underneath the client.
func (m *mockBroker) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockBroker) setConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

func (m *mockBroker) calls() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.disconnectCalls
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// mockPublisher implements Publisher for testing. fail, when set, decides
// the error for each publish; failed publishes are not recorded.
type mockPublisher struct {
	mu        sync.Mutex
	published []mockPublish
	fail      func(topic string) error
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(topic); err != nil {
			return err
		}
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *mockPublisher) setFail(fn func(topic string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *mockPublisher) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

// OnTopic returns the publishes to topic, in order.
func (m *mockPublisher) OnTopic(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockPublisher) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// mockRecorder implements FrameRecorder.
type mockRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (m *mockRecorder) RecordFrame(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
}

func (m *mockRecorder) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// mockTelemetry implements Telemetry.
type mockTelemetry struct {
	mu         sync.Mutex
	statWrites int
	nodeWrites []string
}

func (m *mockTelemetry) WriteGatewayStats(fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statWrites++
}

func (m *mockTelemetry) WriteNodeFrame(mac, kind string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeWrites = append(m.nodeWrites, mac+"/"+kind)
}

func (m *mockTelemetry) counts() (stats, nodes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statWrites, len(m.nodeWrites)
}

// mockTap implements Tap.
type mockTap struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockTap) Offer(topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
}

func (m *mockTap) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.topics))
	copy(out, m.topics)
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}
