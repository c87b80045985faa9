package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
)

const (
	// serialReadTimeout lets the read loop notice cancellation while the
	// air is quiet.
	serialReadTimeout = 300 * time.Millisecond

	defaultReopenDelay = 2 * time.Second
)

// ReceiveFunc is called once per decoded frame, on the link's goroutine.
// The payload buffer is not reused by the link.
type ReceiveFunc func(mac espnow.MAC, kind espnow.Kind, payload []byte)

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// openFunc opens the port; replaced in tests.
type openFunc func(port string, baud int) (io.ReadCloser, error)

// Link reads frames from the ESP-NOW receiver dongle on a serial port.
//
// Run owns the port: it opens it, decodes frames until an I/O error, then
// closes it and reopens after the configured delay. Framing errors (noise,
// bad length, unknown kind) are counted and skipped without reopening.
type Link struct {
	port        string
	baud        int
	reopenDelay time.Duration
	receive     ReceiveFunc
	open        openFunc

	frames    atomic.Uint64
	badFrames atomic.Uint64
	opens     atomic.Uint64
	connected atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLink creates a link for the configured port.
//
// Parameters:
//   - cfg: Radio section of config.yaml
//   - receive: Frame callback, typically Bridge.Receive
//
// Returns:
//   - *Link: Ready to Run
//   - error: If the port is not configured or receive is nil
func NewLink(cfg config.RadioConfig, receive ReceiveFunc) (*Link, error) {
	if cfg.Port == "" {
		return nil, ErrNoPort
	}
	if cfg.Baud <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", cfg.Baud)
	}
	if receive == nil {
		return nil, errors.New("receive callback is required")
	}

	delay := cfg.GetReopenDelay()
	if delay <= 0 {
		delay = defaultReopenDelay
	}

	return &Link{
		port:        cfg.Port,
		baud:        cfg.Baud,
		reopenDelay: delay,
		receive:     receive,
		open:        openSerial,
	}, nil
}

func openSerial(port string, baud int) (io.ReadCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", port, err)
	}
	if err := p.SetReadTimeout(serialReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}
	return p, nil
}

// Run reads frames until ctx is cancelled. It always returns nil; port
// failures are logged and retried.
func (l *Link) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		port, err := l.open(l.port, l.baud)
		if err != nil {
			l.logWarn("radio port unavailable", "port", l.port, "error", err)
			if !l.sleep(ctx) {
				return nil
			}
			continue
		}

		l.opens.Add(1)
		l.connected.Store(true)
		l.logInfo("radio port opened", "port", l.port, "baud", l.baud)

		err = l.readLoop(ctx, port)

		l.connected.Store(false)
		_ = port.Close()

		if ctx.Err() != nil {
			return nil
		}
		l.logWarn("radio port read failed, reopening", "port", l.port, "error", err, "delay", l.reopenDelay)
		if !l.sleep(ctx) {
			return nil
		}
	}
}

// readLoop decodes frames until an I/O error or cancellation.
func (l *Link) readLoop(ctx context.Context, r io.Reader) error {
	readFull := func(buf []byte) error {
		return readFullCtx(ctx, r, buf)
	}

	for {
		p, err := readPacket(readFull)
		if err != nil {
			if isFrameError(err) {
				l.badFrames.Add(1)
				continue
			}
			return err
		}

		l.frames.Add(1)
		l.receive(p.MAC, p.Kind, p.Payload)
	}
}

// sleep waits for the reopen delay. It returns false if ctx ended first.
func (l *Link) sleep(ctx context.Context) bool {
	t := time.NewTimer(l.reopenDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// readFullCtx fills buf, tolerating the zero-byte reads a serial port
// returns on read timeout.
func readFullCtx(ctx context.Context, r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

// Frames returns the number of frames delivered to the callback.
func (l *Link) Frames() uint64 {
	return l.frames.Load()
}

// BadFrames returns the number of frames rejected by the decoder.
func (l *Link) BadFrames() uint64 {
	return l.badFrames.Load()
}

// Opens returns how many times the port has been opened.
func (l *Link) Opens() uint64 {
	return l.opens.Load()
}

// IsConnected reports whether the port is currently open.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// SetLogger sets the logger for the link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logInfo(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Link) logWarn(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
