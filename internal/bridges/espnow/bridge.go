package espnow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Bridge loop defaults.
const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultDrainPerTick   = 32
	DefaultHealthInterval = 30 * time.Second
)

// Publisher is the publish side of the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// FrameRecorder records every drained frame in the node registry. Optional.
type FrameRecorder interface {
	RecordFrame(f Frame)
}

// Telemetry receives gateway and per-node metrics. Optional.
type Telemetry interface {
	WriteGatewayStats(fields map[string]any)
	WriteNodeFrame(mac, kind string, size int)
}

// Tap receives a copy of every published message. Offer must not block.
type Tap interface {
	Offer(topic string, payload []byte)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds the components the bridge drives.
type Options struct {
	// Inbox is fed by Receive. Required.
	Inbox *Inbox

	// Supervisor owns the broker link. Required.
	Supervisor *Supervisor

	// Router maps frames to messages. Required.
	Router *Router

	// Publisher sends routed messages. Required.
	Publisher Publisher

	// IsPermanent classifies publish errors that can never succeed; those
	// frames are dropped without a retry or demotion. Default: none are.
	IsPermanent func(error) bool

	// Gateway identifies this gateway.
	Gateway GatewayInfo

	// StatusTopic carries the retained health and LWT. Default: ESPNow/status.
	StatusTopic string

	TickInterval   time.Duration
	DrainPerTick   int
	HealthInterval time.Duration

	// Recorder, Telemetry and Tap are optional side channels.
	Recorder  FrameRecorder
	Telemetry Telemetry
	Tap       Tap

	// Now overrides the clock for tests. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// Bridge moves frames from the wireless inbox to the broker.
//
// The radio side only ever calls Receive, which never blocks. Everything
// that can block (connect, publish, health, recording) runs inside Run's
// loop, one tick at a time.
type Bridge struct {
	inbox       *Inbox
	supervisor  *Supervisor
	router      *Router
	publisher   Publisher
	isPermanent func(error) bool

	gateway     GatewayInfo
	statusTopic string

	tickInterval   time.Duration
	drainPerTick   int
	healthInterval time.Duration

	recorder  FrameRecorder
	telemetry Telemetry
	tap       Tap

	now       func() time.Time
	startTime time.Time

	// Loop-owned.
	lastState  ConnectionState
	lastHealth time.Time

	stats counters

	running  sync.Mutex
	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Run to start the loop.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Inbox == nil {
		return nil, fmt.Errorf("inbox is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Gateway.ID == "" {
		return nil, fmt.Errorf("gateway ID is required")
	}

	b := &Bridge{
		inbox:          opts.Inbox,
		supervisor:     opts.Supervisor,
		router:         opts.Router,
		publisher:      opts.Publisher,
		isPermanent:    opts.IsPermanent,
		gateway:        opts.Gateway,
		statusTopic:    opts.StatusTopic,
		tickInterval:   opts.TickInterval,
		drainPerTick:   opts.DrainPerTick,
		healthInterval: opts.HealthInterval,
		recorder:       opts.Recorder,
		telemetry:      opts.Telemetry,
		tap:            opts.Tap,
		now:            opts.Now,
		logger:         opts.Logger,
		lastState:      StateDisconnected,
	}

	if b.isPermanent == nil {
		b.isPermanent = func(error) bool { return false }
	}
	if b.statusTopic == "" {
		b.statusTopic = DefaultStatusTopic
	}
	if b.tickInterval <= 0 {
		b.tickInterval = DefaultTickInterval
	}
	if b.drainPerTick <= 0 {
		b.drainPerTick = DefaultDrainPerTick
	}
	if b.healthInterval <= 0 {
		b.healthInterval = DefaultHealthInterval
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.startTime = b.now()

	return b, nil
}

// Receive is the radio receive callback. It copies payload into a new frame
// and pushes it onto the inbox; it never blocks.
func (b *Bridge) Receive(sender MAC, kind Kind, payload []byte) {
	b.stats.received.Add(1)
	b.inbox.Push(NewFrame(sender, kind, payload, b.now()))
}

// Run drives the bridge until ctx is cancelled or the broker is declared
// unreachable.
//
// Returns:
//   - nil after a graceful shutdown (ctx cancelled)
//   - ErrRestartRequired once the reconnect budget is exhausted
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.TryLock() {
		return fmt.Errorf("bridge already running")
	}
	defer b.running.Unlock()

	b.logInfo("bridge started",
		"gateway_id", b.gateway.ID,
		"tick", b.tickInterval,
		"inbox_capacity", b.inbox.Cap(),
		"drop_policy", b.inbox.Policy().String())

	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			b.shutdown()
			return nil
		}

		if b.Tick(ctx) == StateFatal {
			if ctx.Err() != nil {
				b.shutdown()
				return nil
			}
			b.logError("giving up on broker", ErrRestartRequired,
				"attempts", b.supervisor.Attempts())
			return ErrRestartRequired
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration of the loop and returns the connection state it
// ended in. Run calls it on every tick; it is exported for tests and
// single-step tooling and must not be called concurrently with Run.
func (b *Bridge) Tick(ctx context.Context) ConnectionState {
	prev := b.lastState
	state := b.supervisor.EnsureConnected(ctx)
	if state == StateFatal {
		b.lastState = state
		return state
	}

	if state == StateConnected && prev != StateConnected {
		b.announce()
		state = b.supervisor.State()
	}

	state = b.drain(state)

	if now := b.now(); now.Sub(b.lastHealth) >= b.healthInterval {
		b.lastHealth = now
		b.reportHealth(state)
		state = b.supervisor.State()
	}

	b.lastState = state
	return state
}

// drain processes up to drainPerTick frames and returns the state after the
// batch (a transient publish failure demotes the link).
func (b *Bridge) drain(state ConnectionState) ConnectionState {
	for i := 0; i < b.drainPerTick; i++ {
		f, ok := b.inbox.TryPop()
		if !ok {
			return state
		}

		if !f.Requeued() {
			b.record(f)
		}

		if state != StateConnected {
			b.stats.droppedOffline.Add(1)
			continue
		}

		msg, err := b.router.Route(f)
		if err != nil {
			b.dropUnroutable(f, err)
			continue
		}

		if err := b.publisher.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
			if b.isPermanent(err) {
				b.stats.droppedPermanent.Add(1)
				b.logError("dropping unpublishable frame", err, "mac", f.Sender.String(), "topic", msg.Topic)
				continue
			}

			b.stats.publishFailures.Add(1)
			if b.inbox.Requeue(f) {
				b.stats.requeued.Add(1)
			} else {
				b.stats.droppedRetry.Add(1)
			}
			b.supervisor.ReportPublishFailure(err)
			// The rest of the batch waits for the reconnect.
			return b.supervisor.State()
		}

		b.stats.published.Add(1)
		b.offerTap(msg.Topic, msg.Payload)
	}
	return state
}

func (b *Bridge) dropUnroutable(f Frame, err error) {
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		b.stats.droppedOversize.Add(1)
		b.logWarn("dropping oversize frame", "mac", f.Sender.String(), "size", len(f.Payload),
			"max", b.router.MaxPayload())
	case errors.Is(err, ErrUnknownKind):
		b.stats.droppedUnknown.Add(1)
		b.logWarn("dropping frame of unknown kind", "mac", f.Sender.String(), "kind", f.Kind.String())
	default:
		b.stats.droppedPermanent.Add(1)
		b.logError("dropping unroutable frame", err, "mac", f.Sender.String())
	}
}

// record feeds the optional node registry and telemetry.
func (b *Bridge) record(f Frame) {
	if b.recorder != nil {
		b.recorder.RecordFrame(f)
	}
	if b.telemetry != nil {
		b.telemetry.WriteNodeFrame(f.Sender.String(), f.Kind.String(), len(f.Payload))
	}
}

func (b *Bridge) offerTap(topic string, payload []byte) {
	if b.tap != nil {
		b.tap.Offer(topic, payload)
	}
}

// shutdown publishes the graceful offline status and closes the link.
func (b *Bridge) shutdown() {
	if b.supervisor.State() == StateConnected {
		if err := b.publishStatus(HealthOffline, "shutdown", false); err != nil {
			b.logError("publishing offline status", err)
		}
	}
	b.supervisor.Disconnect()

	stats := b.Stats()
	b.logInfo("bridge stopped",
		"published", stats.FramesPublished,
		"dropped", stats.DroppedTotal(),
		"pending", stats.InboxDepth)
}

// Stats returns a snapshot of the bridge counters. Safe from any goroutine.
func (b *Bridge) Stats() Stats {
	return Stats{
		State:           b.supervisor.State().String(),
		FramesReceived:  b.stats.received.Load(),
		FramesPublished: b.stats.published.Load(),
		PublishFailures: b.stats.publishFailures.Load(),
		FramesRequeued:  b.stats.requeued.Load(),

		DroppedOverflow:  b.inbox.Dropped(),
		DroppedOffline:   b.stats.droppedOffline.Load(),
		DroppedOversize:  b.stats.droppedOversize.Load(),
		DroppedUnknown:   b.stats.droppedUnknown.Load(),
		DroppedRetry:     b.stats.droppedRetry.Load(),
		DroppedPermanent: b.stats.droppedPermanent.Load(),

		InboxDepth:    b.inbox.Len(),
		InboxCapacity: b.inbox.Cap(),
		DropPolicy:    b.inbox.Policy().String(),

		ConnectAttempts:      b.supervisor.Attempts(),
		MaxConnectAttempts:   b.supervisor.MaxAttempts(),
		TotalConnectAttempts: b.supervisor.TotalAttempts(),
		Connects:             b.supervisor.Connects(),

		Announcements:   b.stats.announcements.Load(),
		HealthPublishes: b.stats.healthPublishes.Load(),
	}
}

// State returns the current broker connection state.
func (b *Bridge) State() ConnectionState {
	return b.supervisor.State()
}

// Gateway returns the gateway identity.
func (b *Bridge) Gateway() GatewayInfo {
	return b.gateway
}

// Uptime returns the time since the bridge was created.
func (b *Bridge) Uptime() time.Duration {
	return b.now().Sub(b.startTime)
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
