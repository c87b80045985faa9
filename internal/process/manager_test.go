package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// lockedBuffer is a bytes.Buffer safe for the exec copy goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// shell returns a Config running script under /bin/sh with fast restarts.
func shell(name, script string) Config {
	return Config{
		Name:            name,
		Binary:          "/bin/sh",
		Args:            []string{"-c", script},
		RestartDelay:    10 * time.Millisecond,
		MaxRestartDelay: 40 * time.Millisecond,
		GracefulTimeout: 2 * time.Second,
	}
}

func runWithTimeout(t *testing.T, m *Manager, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout + 5*time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{
		Name:   "test-proc",
		Binary: "/usr/bin/test",
		Args:   []string{"--flag"},
	})

	if m.config.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want %v", m.config.RestartDelay, 5*time.Second)
	}
	if m.config.MaxRestartDelay != 5*time.Minute {
		t.Errorf("MaxRestartDelay = %v, want %v", m.config.MaxRestartDelay, 5*time.Minute)
	}
	if m.config.StableThreshold != 2*time.Minute {
		t.Errorf("StableThreshold = %v, want %v", m.config.StableThreshold, 2*time.Minute)
	}
	if m.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want %v", m.config.GracefulTimeout, 10*time.Second)
	}
	if m.config.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want %v", m.config.HealthCheckInterval, 30*time.Second)
	}
}

func TestNewManager_MaxDelayNotBelowBase(t *testing.T) {
	m := NewManager(Config{
		Name:            "test",
		Binary:          "/bin/true",
		RestartDelay:    10 * time.Second,
		MaxRestartDelay: time.Second,
	})
	if m.config.MaxRestartDelay != 10*time.Second {
		t.Errorf("MaxRestartDelay = %v, want raised to 10s", m.config.MaxRestartDelay)
	}
}

func TestDefaultConfig_Function(t *testing.T) {
	cfg := DefaultConfig("espnowgw", "/usr/local/bin/espnowgw", []string{"-config", "gw.yaml"})

	if cfg.Name != "espnowgw" {
		t.Errorf("Name = %q, want %q", cfg.Name, "espnowgw")
	}
	if len(cfg.Args) != 2 || cfg.Args[1] != "gw.yaml" {
		t.Errorf("Args = %v, want [-config gw.yaml]", cfg.Args)
	}
	if cfg.MaxRestartAttempts != 0 {
		t.Errorf("MaxRestartAttempts = %d, want 0 (unlimited)", cfg.MaxRestartAttempts)
	}
	if cfg.RestartDelay != time.Second || cfg.MaxRestartDelay != time.Minute {
		t.Errorf("delays = %v/%v, want 1s/1m", cfg.RestartDelay, cfg.MaxRestartDelay)
	}
}

func TestManager_InitialState(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	if m.Status() != StatusStopped {
		t.Errorf("initial Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if st := m.Stats(); st.PID != 0 || st.LastExitCode != 0 {
		t.Errorf("Stats() = %+v, want no PID or exit code", st)
	}
	if m.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", m.RestartCount())
	}
	if m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", m.LastError())
	}

	stats := m.Stats()
	if stats.Name != "test" || stats.Status != StatusStopped || stats.LastError != "" {
		t.Errorf("Stats() = %+v", stats)
	}
}

// ============================================================================
// Backoff
// ============================================================================

func TestCalculateBackoffDelay(t *testing.T) {
	m := NewManager(Config{
		Name:            "test",
		Binary:          "/bin/true",
		RestartDelay:    1 * time.Second,
		MaxRestartDelay: 30 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{7, 30 * time.Second},
		{60, 30 * time.Second}, // no overflow
	}

	for _, tt := range tests {
		if got := m.calculateBackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", exec.Command("/bin/sh", "-c", "exit 0").Run(), 0},
		{"failure", exec.Command("/bin/sh", "-c", "exit 3").Run(), 3},
		{"restart required", exec.Command("/bin/sh", "-c", "exit 75").Run(), ExitRestartRequired},
		{"not an exit error", errors.New("boom"), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Supervision
// ============================================================================

func TestManager_CleanExitEndsSupervision(t *testing.T) {
	var starts atomic.Int32
	cfg := shell("clean", "exit 0")
	cfg.OnStart = func(int) { starts.Add(1) }
	m := NewManager(cfg)

	if err := runWithTimeout(t, m, 5*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", starts.Load())
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_RestartsUntilCleanExit(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	// Exit 75 twice, then succeed.
	script := `n=$(cat "` + counter + `" 2>/dev/null || echo 0); n=$((n+1)); echo $n > "` + counter + `"; [ $n -ge 3 ] && exit 0; exit 75`

	var starts atomic.Int32
	var exitCodes []int
	var mu sync.Mutex
	cfg := shell("flaky", script)
	cfg.OnStart = func(int) { starts.Add(1) }
	cfg.OnExit = func(code int, err error) {
		mu.Lock()
		exitCodes = append(exitCodes, code)
		mu.Unlock()
	}
	m := NewManager(cfg)

	if err := runWithTimeout(t, m, 10*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if starts.Load() != 3 {
		t.Errorf("starts = %d, want 3", starts.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{75, 75, 0}
	if len(exitCodes) != len(want) {
		t.Fatalf("exit codes = %v, want %v", exitCodes, want)
	}
	for i := range want {
		if exitCodes[i] != want[i] {
			t.Errorf("exit codes = %v, want %v", exitCodes, want)
			break
		}
	}
	if m.Stats().TotalRestarts != 2 {
		t.Errorf("TotalRestarts = %d, want 2", m.Stats().TotalRestarts)
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	var starts atomic.Int32
	var delays []time.Duration
	var mu sync.Mutex
	cfg := shell("fatal", "exit 75")
	cfg.MaxRestartAttempts = 3
	cfg.OnStart = func(int) { starts.Add(1) }
	cfg.OnRestart = func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}
	m := NewManager(cfg)

	err := runWithTimeout(t, m, 10*time.Second)
	if err == nil {
		t.Fatal("Run() error = nil, want give-up error")
	}
	if starts.Load() != 4 {
		t.Errorf("starts = %d, want 4 (initial + 3 restarts)", starts.Load())
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
	if got := m.Stats().LastExitCode; got != ExitRestartRequired {
		t.Errorf("LastExitCode = %d, want %d", got, ExitRestartRequired)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", delays, want)
			break
		}
	}
}

func TestManager_StableRunResetsAttempts(t *testing.T) {
	var starts atomic.Int32
	cfg := shell("stable", "sleep 0.1; exit 75")
	cfg.StableThreshold = 50 * time.Millisecond
	cfg.MaxRestartAttempts = 1
	cfg.OnStart = func(int) { starts.Add(1) }
	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	// Every run is stable, so the limit of one restart is never reached.
	deadline := time.Now().Add(10 * time.Second)
	for starts.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if starts.Load() < 4 {
		t.Fatalf("starts = %d, want at least 4", starts.Load())
	}
	if m.RestartCount() > 1 {
		t.Errorf("RestartCount() = %d, want at most 1", m.RestartCount())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestManager_WatchdogKillsHungChild(t *testing.T) {
	var checks atomic.Int32
	cfg := shell("hung", "sleep 60")
	cfg.MaxRestartAttempts = 1
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.HealthCheckFunc = func(ctx context.Context) error {
		checks.Add(1)
		return errors.New("no answer")
	}
	m := NewManager(cfg)

	err := runWithTimeout(t, m, 10*time.Second)
	if !errors.Is(err, ErrHealthCheck) {
		t.Fatalf("Run() error = %v, want ErrHealthCheck", err)
	}
	if got := checks.Load(); got != 2*maxConsecutiveHealthFailures {
		t.Errorf("health checks = %d, want %d", got, 2*maxConsecutiveHealthFailures)
	}
	if got := m.Stats().LastExitCode; got != -1 {
		t.Errorf("LastExitCode = %d, want -1 (killed)", got)
	}
}

func TestManager_OutputWriters(t *testing.T) {
	var out lockedBuffer
	cfg := shell("echo", "echo hello from child")
	cfg.Stdout = &out
	m := NewManager(cfg)

	if err := runWithTimeout(t, m, 5*time.Second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(out.String(), "hello from child") {
		t.Errorf("stdout = %q, want child output", out.String())
	}
}

// ============================================================================
// Start / Stop
// ============================================================================

func TestManager_StopWhenNotRunning(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on stopped process error = %v, want nil", err)
	}
}

func TestManager_StartAlreadyRunning(t *testing.T) {
	m := NewManager(shell("test", "sleep 10"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer m.Stop() //nolint:errcheck // Test cleanup

	if err := m.Start(ctx); err == nil {
		t.Error("second Start() expected error, got nil")
	}
}

func TestManager_StartAndStop(t *testing.T) {
	var exitCalls atomic.Int32
	cfg := shell("test-sleep", "sleep 60")
	cfg.OnExit = func(int, error) { exitCalls.Add(1) }
	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if st := m.Stats(); st.Status != StatusRunning || st.PID == 0 {
		t.Errorf("Stats() after Start() = %+v, want running with a PID", st)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	<-m.Done()

	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q after Stop(), want %q", m.Status(), StatusStopped)
	}
	if exitCalls.Load() != 1 {
		t.Errorf("OnExit calls = %d, want 1 (no restart after Stop)", exitCalls.Load())
	}
}

func TestManager_RunCancelStopsChild(t *testing.T) {
	m := NewManager(shell("cancel", "sleep 60"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Status() != StatusRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_StartWithInvalidBinary(t *testing.T) {
	m := NewManager(Config{
		Name:   "bad-binary",
		Binary: "/nonexistent/binary",
	})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() with invalid binary expected error, got nil")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after failed start")
	}
}
