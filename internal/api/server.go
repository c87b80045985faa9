package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeStatus is the read side of the bridge used by the diagnostics
// endpoints. *espnow.Bridge implements it.
type BridgeStatus interface {
	Stats() espnow.Stats
	State() espnow.ConnectionState
	Gateway() espnow.GatewayInfo
	Uptime() time.Duration
}

// NodeLister lists the node registry. *espnow.NodeRecorder implements it.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]espnow.Node, error)
	GetNode(ctx context.Context, mac espnow.MAC) (espnow.Node, error)
	NodeCount(ctx context.Context) (int, error)
}

// HealthChecker probes an optional backend. *database.DB implements it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TelemetryStatus is the InfluxDB writer. *influxdb.Client implements it.
type TelemetryStatus interface {
	HealthChecker
	Stats() influxdb.Stats
}

// RadioStatus is the serial receiver link. *radio.Link implements it.
type RadioStatus interface {
	Frames() uint64
	BadFrames() uint64
	Opens() uint64
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Bridge    BridgeStatus
	Nodes     NodeLister      // nil when the database is disabled
	DB        HealthChecker   // nil when the database is disabled
	Telemetry TelemetryStatus // nil when InfluxDB is disabled
	Radio     RadioStatus     // nil when the radio link is disabled
	Hub       *Hub            // If set, the server uses this hub instead of creating its own
	Version   string
}

// Server is the diagnostics HTTP server.
//
// It is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	logger      *logging.Logger
	bridge      BridgeStatus
	nodes       NodeLister
	db          HealthChecker
	telemetry   TelemetryStatus
	radio       RadioStatus
	version     string
	startTime   time.Time
	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels the hub on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		nodes:     deps.Nodes,
		db:        deps.DB,
		telemetry: deps.Telemetry,
		radio:     deps.Radio,
		version:   deps.Version,
		startTime: time.Now(),
	}

	// Use externally-provided hub if available (the bridge needs the hub as
	// its tap before the server exists).
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.Logger)
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port conflict is reported
// here rather than logged from the background goroutine.
//
// Parameters:
//   - ctx: Parent context for the hub lifetime
//
// Returns:
//   - error: If the server fails to bind
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
