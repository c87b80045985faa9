// ESP-NOW Gateway - wireless sensor to MQTT bridge
//
// This is the main entry point for the gateway. It receives ESP-NOW frames
// from a receiver dongle on a serial port and republishes them to an MQTT
// broker on the wired network:
//   - INFO frames on ESPNow/info, DATA frames on ESPNow/data
//   - Retained health on ESPNow/status (LWT offline)
//   - Exit code 75 once the broker is unreachable for the whole reconnect
//     budget; run with -supervise (or systemd Restart=on-failure) to restart
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/espnow-gateway/internal/api"
	"github.com/nerrad567/espnow-gateway/internal/bridges/espnow"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/config"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/database"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/espnow-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/espnow-gateway/internal/process"
	"github.com/nerrad567/espnow-gateway/internal/radio"
	"github.com/nerrad567/espnow-gateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither -config nor ESPNOWGW_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// exitFailure is returned for startup and runtime errors.
	exitFailure = 1

	// supervisorHealthTimeout bounds one watchdog probe of the child's API.
	supervisorHealthTimeout = 5 * time.Second
)

// options are the parsed command-line flags.
type options struct {
	configPath  string
	supervise   bool
	showVersion bool
}

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := dispatch(ctx, os.Args[1:], os.Stdout)
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// dispatch parses flags and runs the gateway or the supervisor.
func dispatch(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "espnowgw %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	if opts.supervise {
		return supervise(ctx, opts.configPath, childArgs(args))
	}
	return run(ctx, opts.configPath)
}

func parseFlags(args []string) (options, error) {
	var opts options

	fs := flag.NewFlagSet("espnowgw", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to config.yaml (default $ESPNOWGW_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.supervise, "supervise", false, "run the gateway as a child process and restart it when it exits")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts.configPath = getConfigPath(opts.configPath)
	return opts, nil
}

// getConfigPath resolves the configuration file path: the flag, then
// ESPNOWGW_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("ESPNOWGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// childArgs returns args with every form of the -supervise flag removed.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		name := strings.TrimLeft(a, "-")
		if strings.HasPrefix(a, "-") && (name == "supervise" || strings.HasPrefix(name, "supervise=")) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// exitCode maps the run result to a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, espnow.ErrRestartRequired):
		return process.ExitRestartRequired
	default:
		return exitFailure
	}
}

// run is the gateway itself, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Configuration file to load
//
// Returns:
//   - error: nil on clean shutdown, espnow.ErrRestartRequired once the
//     broker reconnect budget is exhausted, or a startup error
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting ESP-NOW gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
		"gateway_id", cfg.Gateway.ID,
	)

	gw, err := gatewayInfo(cfg)
	if err != nil {
		return err
	}

	// Node registry (optional)
	var db *database.DB
	var recorder *espnow.NodeRecorder
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		recorder = espnow.NewNodeRecorder(db.DB)
		recorder.SetLogger(log.Component("nodes"))
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting node recorder: %w", startErr)
		}
		defer recorder.Stop()
		log.Info("node registry ready", "path", db.Path(), "wal", cfg.Database.WALMode)
	} else {
		log.Info("node registry disabled")
	}

	// Telemetry (optional, never fatal)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Gateway.ID)
		if err != nil {
			log.Warn("InfluxDB unavailable, telemetry disabled", "error", err)
			influxClient = nil
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influxClient.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	// Broker client. Not connected here: the bridge's supervisor owns the link.
	mqttClient := mqtt.NewClient(cfg.MQTT, &mqtt.Will{
		Topic:    cfg.Bridge.StatusTopic,
		Payload:  espnow.LWTPayload(gw),
		QoS:      espnow.LWTQoS(),
		Retained: true,
	})
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT connection lost", "error", err)
	})
	defer func() {
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	// Live tap hub, created first so the bridge can offer to it.
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(log.Component("api"))
		go hub.Run(ctx)
	}

	bridge, err := buildBridge(cfg, gw, mqttClient, recorder, influxClient, hub, log)
	if err != nil {
		return err
	}

	// Radio link (optional). Started after the API so it can report on it.
	var link *radio.Link
	if cfg.Radio.Enabled {
		link, err = radio.NewLink(cfg.Radio, bridge.Receive)
		if err != nil {
			return fmt.Errorf("creating radio link: %w", err)
		}
		link.SetLogger(log.Component("radio"))
	}

	// Diagnostics API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.Component("api"),
			Bridge:  bridge,
			Hub:     hub,
			Version: version,
		}
		if recorder != nil {
			deps.Nodes = recorder
			deps.DB = db
		}
		if influxClient != nil {
			deps.Telemetry = influxClient
		}
		if link != nil {
			deps.Radio = link
		}
		srv, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// Radio link runs until the bridge returns.
	radioCtx, stopRadio := context.WithCancel(ctx)
	var radioWG sync.WaitGroup
	defer func() {
		stopRadio()
		radioWG.Wait()
	}()

	if link != nil {
		radioWG.Add(1)
		go func() {
			defer radioWG.Done()
			_ = link.Run(radioCtx) // always nil
			log.Info("radio link stopped",
				"frames", link.Frames(),
				"bad_frames", link.BadFrames(),
				"opens", link.Opens())
		}()
		log.Info("radio link started", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
	} else {
		log.Warn("radio link disabled, no frames will be received")
	}

	log.Info("initialisation complete",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"boot_id", gw.BootID,
		"publish_timeout", mqttClient.PublishTimeout(),
	)

	err = bridge.Run(ctx)
	if errors.Is(err, espnow.ErrRestartRequired) {
		log.Error("broker unreachable, exiting for restart",
			"attempts", cfg.MQTT.Reconnect.MaxAttempts,
			"exit_code", process.ExitRestartRequired,
		)
		return err
	}
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	log.Info("ESP-NOW gateway stopped")
	return nil
}

// gatewayInfo builds the gateway identity carried in announcements and health.
func gatewayInfo(cfg *config.Config) (espnow.GatewayInfo, error) {
	gw := espnow.GatewayInfo{
		ID:      cfg.Gateway.ID,
		Name:    cfg.Gateway.Name,
		Version: version,
		BootID:  uuid.NewString(),
		IP:      cfg.Ethernet.IP,
	}
	if cfg.Ethernet.MAC != "" {
		mac, err := espnow.ParseMAC(cfg.Ethernet.MAC)
		if err != nil {
			return gw, fmt.Errorf("ethernet.mac: %w", err)
		}
		gw.MAC = mac
	}
	return gw, nil
}

// buildBridge assembles the inbox, supervisor, router and bridge.
// Optional side channels are only set when present, so the bridge never
// holds a typed nil behind an interface.
func buildBridge(
	cfg *config.Config,
	gw espnow.GatewayInfo,
	client *mqtt.Client,
	recorder *espnow.NodeRecorder,
	influxClient *influxdb.Client,
	hub *api.Hub,
	log *logging.Logger,
) (*espnow.Bridge, error) {
	policy, err := espnow.ParseDropPolicy(cfg.Bridge.DropPolicy)
	if err != nil {
		return nil, fmt.Errorf("bridge.drop_policy: %w", err)
	}
	inbox := espnow.NewInbox(cfg.Bridge.InboxCapacity, policy)

	supervisor, err := espnow.NewSupervisor(espnow.SupervisorOptions{
		Broker:        client,
		MaxAttempts:   cfg.MQTT.Reconnect.MaxAttempts,
		RetryInterval: cfg.MQTT.GetRetryInterval(),
		Logger:        log.Component("supervisor"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating supervisor: %w", err)
	}

	router, err := espnow.NewRouter(espnow.RouterOptions{
		Topics: espnow.TopicBinding{
			Info: cfg.Bridge.InfoTopic,
			Data: cfg.Bridge.DataTopic,
		},
		Format:     espnow.PayloadFormat(cfg.Bridge.PayloadFormat),
		MaxPayload: cfg.Bridge.MaxPayload,
		QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // QoS validated to 0-2
		Retained:   cfg.Bridge.Retain,
	})
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	opts := espnow.Options{
		Inbox:          inbox,
		Supervisor:     supervisor,
		Router:         router,
		Publisher:      client,
		IsPermanent:    mqtt.IsPermanent,
		Gateway:        gw,
		StatusTopic:    cfg.Bridge.StatusTopic,
		TickInterval:   cfg.Bridge.GetTickInterval(),
		DrainPerTick:   cfg.Bridge.DrainPerTick,
		HealthInterval: cfg.Bridge.GetHealthInterval(),
		Logger:         log.Component("bridge"),
	}
	if recorder != nil {
		opts.Recorder = recorder
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}
	if hub != nil {
		opts.Tap = hub
	}

	bridge, err := espnow.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return bridge, nil
}

// supervise runs this executable as a child and restarts it whenever it
// exits non-zero. When the child's API is enabled it doubles as a watchdog
// probe: any HTTP answer counts as alive.
func supervise(ctx context.Context, configPath string, args []string) error {
	log := logging.Default()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	pcfg := process.DefaultConfig("espnowgw", exe, args)
	pcfg.Stdout = os.Stdout
	pcfg.Stderr = os.Stderr

	// The child validates the file itself; here it only tunes logging and
	// the watchdog, so a bad file is not fatal.
	if cfg, loadErr := config.Load(configPath); loadErr == nil {
		log = logging.New(cfg.Logging, version)
		if cfg.API.Enabled {
			pcfg.HealthCheckFunc = apiProbe(fmt.Sprintf("http://%s:%d/api/v1/health", cfg.API.Host, cfg.API.Port))
		}
	}

	mgr := process.NewManager(pcfg)
	mgr.SetLogger(log.Component("supervisor"))

	log.Info("supervising gateway", "binary", exe, "args", args)
	err = mgr.Run(ctx)

	st := mgr.Stats()
	log.Info("supervisor stopped",
		"status", st.Status,
		"total_restarts", st.TotalRestarts,
		"last_exit_code", st.LastExitCode,
		"last_pid", st.PID,
		"last_error", st.LastError)
	return err
}

// apiProbe returns a health check that fails only when url does not answer.
func apiProbe(url string) func(ctx context.Context) error {
	client := &http.Client{Timeout: supervisorHealthTimeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}
