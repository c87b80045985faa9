package espnow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxAttempts is the number of consecutive failed connects after
// which the supervisor gives up.
const DefaultMaxAttempts = 10

// ConnectionState is the broker link state as seen by the bridge.
type ConnectionState int32

// Connection states. Only the Supervisor moves between them.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFatal
)

// String returns the lower-case state name used in logs and health messages.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Broker is the connection side of the MQTT client.
type Broker interface {
	// Connect makes one bounded connection attempt.
	Connect(ctx context.Context) error

	// IsConnected reports whether the link is believed to be up.
	IsConnected() bool

	// Disconnect closes the link; a no-op when already closed.
	Disconnect()
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Broker is the client being supervised. Required.
	Broker Broker

	// MaxAttempts is the number of consecutive failed connects before FATAL.
	// Default: DefaultMaxAttempts.
	MaxAttempts int

	// RetryInterval is the minimum spacing between connect attempts while
	// disconnected. Zero attempts on every call.
	RetryInterval time.Duration

	// OnConnect runs after every successful connect. Optional.
	OnConnect func()

	// OnFatal runs once when the supervisor enters FATAL. Optional.
	OnFatal func()

	// Now overrides the clock for tests. Default: time.Now.
	Now func() time.Time

	// Logger is optional.
	Logger Logger
}

// Supervisor owns the broker connection state and its retry budget.
//
// EnsureConnected is meant to be called from a single goroutine (the bridge
// loop). State, Attempts and Fatal may be read from anywhere.
type Supervisor struct {
	broker        Broker
	maxAttempts   int
	retryInterval time.Duration
	onConnect     func()
	onFatal       func()
	now           func() time.Time
	logger        Logger

	state         atomic.Int32
	attempts      atomic.Int32  // consecutive failures since the last success
	attemptsTotal atomic.Uint64 // every connect attempt made
	connects      atomic.Uint64 // successful connects

	lastFailure time.Time

	fatal     chan struct{}
	fatalOnce sync.Once
}

// NewSupervisor creates a supervisor in the DISCONNECTED state.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts cannot be negative")
	}
	if opts.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval cannot be negative")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Supervisor{
		broker:        opts.Broker,
		maxAttempts:   maxAttempts,
		retryInterval: opts.RetryInterval,
		onConnect:     opts.OnConnect,
		onFatal:       opts.OnFatal,
		now:           now,
		logger:        opts.Logger,
		fatal:         make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// EnsureConnected advances the connection state by at most one connect
// attempt and returns the resulting state.
//
//   - FATAL: returns immediately, nothing is attempted.
//   - CONNECTED: checks liveness; a dead link is demoted to DISCONNECTED.
//   - DISCONNECTED: one connect attempt unless the retry interval since the
//     last failure has not elapsed. Success resets the budget; failure
//     consumes one attempt and may enter FATAL. An attempt cut short by ctx
//     cancellation consumes nothing.
func (s *Supervisor) EnsureConnected(ctx context.Context) ConnectionState {
	switch s.State() {
	case StateFatal:
		return StateFatal

	case StateConnected:
		if s.broker.IsConnected() {
			return StateConnected
		}
		s.logWarn("broker link lost")
		s.state.Store(int32(StateDisconnected))
		return StateDisconnected
	}

	if s.retryInterval > 0 && !s.lastFailure.IsZero() &&
		s.now().Sub(s.lastFailure) < s.retryInterval {
		return StateDisconnected
	}

	s.state.Store(int32(StateConnecting))
	s.attemptsTotal.Add(1)

	if err := s.broker.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; it says nothing about the broker.
			s.state.Store(int32(StateDisconnected))
			s.logInfo("broker connect abandoned", "reason", ctx.Err())
			return StateDisconnected
		}
		return s.recordFailure(err)
	}

	s.attempts.Store(0)
	s.lastFailure = time.Time{}
	s.connects.Add(1)
	s.state.Store(int32(StateConnected))
	s.logInfo("broker connected", "connects", s.connects.Load())

	if s.onConnect != nil {
		s.onConnect()
	}
	return StateConnected
}

// recordFailure consumes one attempt from the budget.
func (s *Supervisor) recordFailure(err error) ConnectionState {
	s.lastFailure = s.now()
	n := int(s.attempts.Add(1))

	if n >= s.maxAttempts {
		s.state.Store(int32(StateFatal))
		s.logError("broker reconnect budget exhausted", err, "attempts", n)
		s.fatalOnce.Do(func() {
			close(s.fatal)
			if s.onFatal != nil {
				s.onFatal()
			}
		})
		return StateFatal
	}

	s.state.Store(int32(StateDisconnected))
	s.logWarn("broker connect failed", "error", err, "attempt", n, "max_attempts", s.maxAttempts)
	return StateDisconnected
}

// ReportPublishFailure demotes a CONNECTED link after a transient publish
// error. The broker is disconnected so the next EnsureConnected makes a real
// attempt. Demotion does not consume the retry budget.
func (s *Supervisor) ReportPublishFailure(err error) {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}
	s.logWarn("publish failed, dropping broker link", "error", err)
	s.broker.Disconnect()
}

// Disconnect closes the broker link for shutdown. FATAL is preserved.
func (s *Supervisor) Disconnect() {
	s.broker.Disconnect()
	s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Attempts returns consecutive failed connects since the last success.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

// MaxAttempts returns the retry budget.
func (s *Supervisor) MaxAttempts() int {
	return s.maxAttempts
}

// TotalAttempts returns every connect attempt made since creation.
func (s *Supervisor) TotalAttempts() uint64 {
	return s.attemptsTotal.Load()
}

// Connects returns the number of successful connects since creation.
func (s *Supervisor) Connects() uint64 {
	return s.connects.Load()
}

// Fatal is closed exactly once, when the supervisor enters FATAL.
func (s *Supervisor) Fatal() <-chan struct{} {
	return s.fatal
}

func (s *Supervisor) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Supervisor) logWarn(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, keysAndValues...)
	}
}

func (s *Supervisor) logError(msg string, err error, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
