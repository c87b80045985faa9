package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of the supervised gateway process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusBackoff  Status = "backoff"
	StatusFailed   Status = "failed"
)

// ExitRestartRequired is the exit code the gateway uses after its broker
// reconnect budget is exhausted (EX_TEMPFAIL).
const ExitRestartRequired = 75

// outputBufferSize is the buffer size for capturing child stdout/stderr.
const outputBufferSize = 4096

// maxConsecutiveHealthFailures kills a child that stops answering.
const maxConsecutiveHealthFailures = 3

// ErrHealthCheck is returned when the child was killed by the watchdog.
var ErrHealthCheck = errors.New("process: health check failed")

// Config holds configuration for the supervised child.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	WorkDir string

	// Stdout and Stderr receive the child's output. When nil the output is
	// logged at debug level instead.
	Stdout io.Writer
	Stderr io.Writer

	// RestartDelay is the base delay before the first restart. Each further
	// consecutive restart doubles it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a child must run before its exit no longer
	// counts towards the backoff and attempt limit.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is called periodically while the child runs.
	// If nil, the child is considered healthy while it runs.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	// OnStart is called with the child's PID after each successful start.
	OnStart func(pid int)

	// OnExit is called with the exit code after each exit (-1 if killed by
	// a signal or the watchdog).
	OnExit func(code int, err error)

	// OnRestart is called before each restart delay.
	OnRestart func(attempt int, delay time.Duration)
}

// DefaultConfig returns a Config with sensible defaults for the gateway.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartDelay:        1 * time.Second,
		MaxRestartDelay:     1 * time.Minute,
		StableThreshold:     2 * time.Minute,
		GracefulTimeout:     15 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs a child process and restarts it when it exits with a
// non-zero code. A zero exit ends supervision.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	totalRestarts int
	lastExitCode  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the child and begins supervising it.
// Returns an error if the first start fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting || m.status == StatusBackoff {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)

	return nil
}

// Run starts the child and blocks until supervision ends: the child exited
// cleanly, the attempt limit was reached, or ctx was cancelled (the child is
// then stopped gracefully).
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	select {
	case <-m.Done():
	case <-ctx.Done():
		if err := m.Stop(); err != nil {
			return err
		}
		<-m.Done()
		return nil
	}

	if m.Status() == StatusFailed {
		return fmt.Errorf("process %s gave up after %d restarts: %w", m.config.Name, m.RestartCount(), m.LastError())
	}
	return nil
}

// Done is closed when supervision ends.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

func (m *Manager) startProcess() error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.Command(m.config.Binary, m.config.Args...) //nolint:gosec // Binary is our own executable

	// Own process group so shutdown signals reach any grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	var stdout, stderr io.ReadCloser
	var err error
	if m.config.Stdout != nil {
		cmd.Stdout = m.config.Stdout
	} else if stdout, err = cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if m.config.Stderr != nil {
		cmd.Stderr = m.config.Stderr
	} else if stderr, err = cmd.StderrPipe(); err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	if stdout != nil {
		go m.captureOutput("stdout", stdout)
	}
	if stderr != nil {
		go m.captureOutput("stderr", stderr)
	}

	m.logger.Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	if m.config.OnStart != nil {
		m.config.OnStart(cmd.Process.Pid)
	}

	return nil
}

func (m *Manager) captureOutput(stream string, r io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.logger.Debug("process output",
				"name", m.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			return
		}
	}
}

// waitForExit waits for the child to exit. With a health check configured it
// doubles as a watchdog: after repeated failures the child is killed and the
// returned error wraps ErrHealthCheck.
func (m *Manager) waitForExit(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.logger.Info("health check recovered",
						"name", m.config.Name,
						"previous_failures", failures,
					)
				}
				failures = 0
				continue
			}

			failures++
			m.logger.Warn("health check failed",
				"name", m.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures < maxConsecutiveHealthFailures {
				continue
			}

			m.logger.Error("health check failed repeatedly, killing process",
				"name", m.config.Name,
				"failures", failures,
			)
			m.signalGroup(cmd, syscall.SIGKILL)
			exitErr := <-exitCh
			return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheck, failures, exitErr)
		}
	}
}

// monitor waits on the child and restarts it until a clean exit, a stop, or
// the attempt limit.
func (m *Manager) monitor(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	}()

	for {
		m.mu.RLock()
		cmd := m.cmd
		started := m.startTime
		m.mu.RUnlock()

		err := m.waitForExit(ctx, cmd)
		code := exitCode(err)
		ranFor := time.Since(started)

		m.mu.Lock()
		m.lastExitCode = code
		m.lastError = err
		stopRequested := m.stopRequested
		m.mu.Unlock()

		if m.config.OnExit != nil {
			m.config.OnExit(code, err)
		}

		if stopRequested || ctx.Err() != nil {
			m.logger.Info("process stopped as requested", "name", m.config.Name, "exit_code", code)
			m.setStatus(StatusStopped)
			return
		}

		if code == 0 && err == nil {
			m.logger.Info("process exited cleanly, not restarting", "name", m.config.Name)
			m.setStatus(StatusStopped)
			return
		}

		if code == ExitRestartRequired {
			m.logger.Warn("process requested restart", "name", m.config.Name, "uptime", ranFor)
		} else {
			m.logger.Warn("process exited unexpectedly",
				"name", m.config.Name,
				"exit_code", code,
				"error", err,
				"uptime", ranFor,
			)
		}

		if !m.restart(ctx, ranFor >= m.config.StableThreshold) {
			return
		}
	}
}

// restart waits out the backoff and starts the child again, retrying failed
// starts. It returns false when supervision should end.
func (m *Manager) restart(ctx context.Context, stable bool) bool {
	for {
		m.mu.Lock()
		if stable {
			m.restartCount = 0
			stable = false
		}
		attempt := m.restartCount + 1
		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.status = StatusFailed
			m.mu.Unlock()
			m.logger.Error("max restart attempts reached",
				"name", m.config.Name,
				"attempts", m.config.MaxRestartAttempts,
			)
			return false
		}
		m.restartCount = attempt
		m.totalRestarts++
		m.status = StatusBackoff
		m.mu.Unlock()

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting process",
			"name", m.config.Name,
			"attempt", attempt,
			"delay", delay,
		)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setStatus(StatusStopped)
			return false
		case <-timer.C:
		}

		m.mu.RLock()
		stopRequested := m.stopRequested
		m.mu.RUnlock()
		if stopRequested {
			m.setStatus(StatusStopped)
			return false
		}

		err := m.startProcess()
		if err == nil {
			return true
		}
		m.logger.Error("failed to restart process", "name", m.config.Name, "error", err)
		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()
	}
}

// calculateBackoffDelay returns RestartDelay * 2^(attempt-1), capped at
// MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// Stop gracefully stops the child: SIGTERM to its process group, then
// SIGKILL after GracefulTimeout.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status == StatusStopped || m.status == StatusFailed {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	status := m.status
	m.mu.Unlock()

	if done == nil {
		return nil
	}

	// Between restarts there is no child to signal; the monitor notices
	// stopRequested when the backoff timer fires.
	if status == StatusBackoff || cmd == nil || cmd.Process == nil {
		return nil
	}

	m.logger.Info("stopping process", "name", m.config.Name, "pid", cmd.Process.Pid)
	m.signalGroup(cmd, syscall.SIGTERM)

	select {
	case <-done:
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	m.signalGroup(cmd, syscall.SIGKILL)
	<-done
	m.logger.Info("process killed", "name", m.config.Name)

	return nil
}

// signalGroup signals the child's process group, ignoring an already exited child.
func (m *Manager) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to signal process group",
			"name", m.config.Name,
			"signal", sig.String(),
			"error", err,
		)
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// exitCode maps a Wait error to an exit code: 0 for nil, the process exit
// code, or -1 for signals and anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Status returns the current status of the supervised child.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastError returns the error from the last exit or failed start.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of consecutive restarts since the last
// stable run.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Stats holds supervision statistics.
type Stats struct {
	Name          string        `json:"name"`
	Status        Status        `json:"status"`
	PID           int           `json:"pid,omitempty"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	RestartCount  int           `json:"restart_count"`
	TotalRestarts int           `json:"total_restarts"`
	LastExitCode  int           `json:"last_exit_code"`
	LastError     string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the supervised child.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:          m.config.Name,
		Status:        m.status,
		RestartCount:  m.restartCount,
		TotalRestarts: m.totalRestarts,
		LastExitCode:  m.lastExitCode,
	}

	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}

	return stats
}
