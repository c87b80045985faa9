package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
)

const serviceName = "espnowgw"

// Logger is the gateway's slog logger. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of config.yaml.
//
// Every entry carries service, version and pid. The pid tells a supervisor's
// lines apart from its child's when both share one stdout.
//
// Parameters:
//   - cfg: Level, format (json or text) and output (stdout or stderr)
//   - version: Build version stamped on every entry
//
// Returns:
//   - *Logger: Ready to use
func New(cfg config.LoggingConfig, version string) *Logger {
	return newWithWriter(outputFor(cfg.Output), cfg, version)
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
	}))}
}

// parseLevel maps debug, info, warn (or warning) and error to slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a child Logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged component=name, e.g.
// log.Component("mqtt").
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the startup logger used until config.yaml has been read:
// JSON to stdout at info.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
