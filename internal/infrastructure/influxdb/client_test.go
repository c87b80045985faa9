package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line-protocol bodies posted to /api/v2/write.
type fakeInflux struct {
	*httptest.Server
	mu     sync.Mutex
	writes []string
	status int
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{status: http.StatusNoContent}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
			f.mu.Lock()
			f.writes = append(f.writes, string(body))
			status := f.status
			f.mu.Unlock()
			w.WriteHeader(status)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

// waitForBody polls until a write containing want arrives; the write API
// sends batches from its own goroutine.
func (f *fakeInflux) waitForBody(t *testing.T, want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if body := f.body(); strings.Contains(body, want) {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	return f.body()
}

func (f *fakeInflux) body() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.writes, "\n")
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "espnow",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL), "gw-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg, "gw-01")
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(context.Background(), testConfig(url), "gw-01")
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteGatewayStatsAndNodeFrame(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL), "gw-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteGatewayStats(map[string]any{
		"frames_received": int64(3),
		"inbox_depth":     int64(0),
	})
	client.WriteNodeFrame("AA:BB:CC:DD:EE:01", "data", 12)
	client.Flush()

	if got := client.Stats().Points; got != 2 {
		t.Errorf("Stats().Points = %d, want 2", got)
	}

	body := srv.waitForBody(t, "espnow_frame")
	for _, want := range []string{
		"espnow_gateway,gateway_id=gw-01",
		"frames_received=3i",
		"espnow_frame,",
		"mac=AA:BB:CC:DD:EE:01",
		"kind=data",
		"payload_bytes=12i",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("write body missing %q\nbody: %s", want, body)
		}
	}
}

func TestWriteGatewayStats_EmptyFieldsSkipped(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL), "gw-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteGatewayStats(nil)
	client.Flush()

	if body := srv.body(); body != "" {
		t.Errorf("expected no writes, got %q", body)
	}
}

func TestOnError_ReceivesWriteFailures(t *testing.T) {
	srv := newFakeInflux(t)
	srv.status = http.StatusBadRequest

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL), "gw-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	errCh := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	client.WriteNodeFrame("AA:BB:CC:DD:EE:01", "info", 4)
	client.Flush()

	select {
	case err := <-errCh:
		if !errors.Is(err, influxdb.ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
		if client.Stats().WriteErrors == 0 {
			t.Error("Stats().WriteErrors = 0 after a failed batch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for write error callback")
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestClose(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL), "gw-01")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() error = %v, want ErrNotConnected", err)
	}

	// Writes and flushes after Close are no-ops.
	client.WriteNodeFrame("AA:BB:CC:DD:EE:01", "data", 1)
	client.Flush()
	if got := client.Stats().Points; got != 0 {
		t.Errorf("Stats().Points = %d after Close(), want 0", got)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClose_Nil(t *testing.T) {
	client := &influxdb.Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}
