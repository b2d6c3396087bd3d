// Command alarmme is the AlarmMe Home Assistant add-on. It polls Home
// Assistant for motion, occupancy and presence sensors, keeps a registry of
// them, and notifies the household when an enabled sensor trips while the
// alarm is armed. A small web UI and JSON API are served on the ingress
// port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/lmittmann/tint"

	"github.com/wargotik/wargot-ha-addons/internal/alert"
	"github.com/wargotik/wargot-ha-addons/internal/area"
	"github.com/wargotik/wargot-ha-addons/internal/audit"
	"github.com/wargotik/wargot-ha-addons/internal/config"
	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/hass"
	"github.com/wargotik/wargot-ha-addons/internal/metrics"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
	"github.com/wargotik/wargot-ha-addons/internal/monitor"
	"github.com/wargotik/wargot-ha-addons/internal/mqtt"
	"github.com/wargotik/wargot-ha-addons/internal/registry"
	"github.com/wargotik/wargot-ha-addons/internal/server/rest"
	"github.com/wargotik/wargot-ha-addons/internal/server/websocket"
	"github.com/wargotik/wargot-ha-addons/internal/statefile"
)

func main() {
	defaultPath := os.Getenv("ALARMME_OPTIONS")
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	configPath := flag.String("config", defaultPath, "Path to the add-on options file (JSON or YAML)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alarmme: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("alarmme exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("alarmme exited cleanly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("alarmme starting",
		slog.Int("port", cfg.Port),
		slog.String("database", cfg.Database.Driver),
		slog.Bool("configured", cfg.HomeAssistant.Configured()),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	m := metrics.New()

	// ── Sensor registry ───────────────────────────────────────────────────────
	reg, err := openRegistry(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer reg.Close()

	// ── Event sinks ───────────────────────────────────────────────────────────
	broadcaster := websocket.NewBroadcaster(logger, 64)
	defer broadcaster.Close()

	sinks := events.Multi{broadcaster, m}

	if cfg.AuditLog != "" {
		auditLog, err := audit.Open(cfg.AuditLog, logger)
		if err != nil {
			logger.Error("audit log unusable; continuing without it",
				slog.String("path", cfg.AuditLog), slog.Any("error", err))
		} else {
			defer auditLog.Close()
			sinks = append(sinks, auditLog)
		}
	}

	var (
		mqttClient *mqtt.Client
		mirror     *mqtt.Mirror
	)
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT, logger)
		defer mqttClient.Close()
		mirror = mqtt.NewMirror(mqttClient, cfg.MQTT.BaseTopic, cfg.MQTT.DiscoveryTopic, logger)
		sinks = append(sinks, mirror)
	}

	// ── Home Assistant and mode state ─────────────────────────────────────────
	ha := hass.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, hass.WithTimeout(cfg.HTTPTimeout()))
	state := statefile.New(cfg.StateFile)

	switchOpts := []mode.Option{
		mode.WithMirror(state),
		mode.WithLogger(logger),
		mode.WithOnChange(func(prev, next mode.Mode) {
			sinks.Publish(events.Event{
				Kind:     events.KindModeChanged,
				Mode:     next.String(),
				PrevMode: prev.String(),
			})
		}),
	}
	if cfg.HomeAssistant.Configured() {
		switchOpts = append(switchOpts, mode.WithWriter(ha))
	} else {
		logger.Warn("SUPERVISOR_TOKEN not set; running without Home Assistant, mode switches are local only")
	}
	switches := mode.NewSwitches(
		mode.DefaultSwitches(cfg.Switches.Away, cfg.Switches.Night, cfg.Switches.Perimeter),
		switchOpts...,
	)
	if err := switches.Load(); err != nil {
		logger.Warn("could not load mirrored switch states", slog.Any("error", err))
	}
	m.SetMode(switches.Current())

	if mqttClient != nil {
		if err := mqttClient.Connect(10*time.Second, func() { mirror.Online(switches.Current()) }); err != nil {
			logger.Warn("mqtt broker not reachable yet", slog.Any("error", err))
		}
	}

	// ── Alerting and poll loop ────────────────────────────────────────────────
	resolver := area.NewResolver(ha, cfg.AuxTimeout(), logger)
	gate := alert.NewGate(ha, resolver, alert.Config{
		Services:          cfg.Notify.Services,
		Persistent:        cfg.NotifyPersistent(),
		Title:             cfg.Notify.Title,
		SendTimeout:       cfg.AuxTimeout(),
		SuppressionWindow: cfg.SuppressionWindow(),
	}, alert.WithLogger(logger), alert.WithFailureHook(m.NotifyFailed))

	var loop *monitor.Loop
	if cfg.HomeAssistant.Configured() && cfg.MonitorEnabled() {
		loop = monitor.New(ha, reg, switches, gate, monitor.Config{
			Interval:           cfg.PollInterval(),
			ErrorBackoffFactor: cfg.Monitor.ErrorBackoffFactor,
			CameraMotionWindow: cfg.CameraMotionWindow(),
		},
			monitor.WithAreaResolver(resolver),
			monitor.WithPollMarker(state),
			monitor.WithSink(sinks),
			monitor.WithLogger(logger),
		)
		loop.Start(ctx)
		defer loop.Stop()

		if cfg.Notify.AnnounceStartup {
			go gate.Announce(ctx, "AlarmMe started in "+switches.Current().String()+" mode")
		}
	} else {
		logger.Warn("sensor monitor disabled")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	restOpts := []rest.Option{
		rest.WithPollClock(state),
		rest.WithSink(sinks),
		rest.WithLogger(logger),
		rest.WithConfigured(cfg.HomeAssistant.Configured()),
	}
	if loop != nil {
		restOpts = append(restOpts, rest.WithMonitor(loop))
	}

	routes := rest.Routes{
		Live:    websocket.NewHandler(broadcaster, logger, 10*time.Second),
		Metrics: m.Handler(),
	}
	if cfg.API.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.API.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("read JWT public key: %w", err)
		}
		pub, err := rest.ParseRSAPublicKey(pem)
		if err != nil {
			return err
		}
		routes.Auth = &rest.JWTConfig{
			PublicKey: pub,
			Issuer:    cfg.API.JWTIssuer,
			Audience:  cfg.API.JWTAudience,
			Logger:    logger,
		}
		logger.Info("JWT validation enabled on /api")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rest.NewRouter(rest.NewServer(reg, switches, restOpts...), routes),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-httpErrCh:
		runErr = err
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if loop != nil {
		loop.Stop()
	}
	broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}
	return runErr
}

func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*registry.Registry, error) {
	var (
		store registry.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "postgres":
		store, err = registry.OpenPostgres(ctx, cfg.Database.DSN)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
		store, err = registry.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		return nil, err
	}
	return registry.New(store,
		registry.WithLogger(logger),
		registry.WithRetryHook(m.RegistryRetry),
	), nil
}

// newLogger builds the process logger. "json" writes structured records for
// the Supervisor log view; "text" writes colourised lines for local runs.
func newLogger(level, format string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	if format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: l, TimeFormat: time.DateTime}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
