package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mouse256/alfen-mqtt/internal/adapter/config"
	mb "github.com/mouse256/alfen-mqtt/internal/adapter/modbus"
	"github.com/mouse256/alfen-mqtt/internal/adapter/mqtt"
	"github.com/mouse256/alfen-mqtt/internal/api"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/health"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/mouse256/alfen-mqtt/internal/service"
	"github.com/mouse256/alfen-mqtt/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to config.yaml")

	return cmd
}

func runServe(parent context.Context, flags *serveFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	logger, closer := logging.New(serviceName, version, logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer closer.Close()
	logger.Info().Str("devices", cfg.DevicesConfigPath).Msg("Starting bridge")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()
	cache := service.NewStateCache(logger, metricsRegistry)
	rt := service.NewRuntime(runtimeConfig(cfg), cache, logger, metricsRegistry)

	topics := mqtt.Topics{
		Prefix:          cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.Discovery.Prefix,
		Availability:    cfg.MQTT.AvailabilityTopic,
	}

	publisher := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CleanSession:   cfg.MQTT.CleanSession,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		TLSEnabled:     cfg.MQTT.TLSEnabled,
		TLSCertFile:    cfg.MQTT.TLSCertFile,
		TLSKeyFile:     cfg.MQTT.TLSKeyFile,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		BufferSize:     cfg.MQTT.BufferSize,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		WillTopic:      topics.AvailabilityTopic(),
		WillPayload:    "offline",
	}, logger, metricsRegistry)

	bridge := mqtt.NewBridge(mqtt.BridgeConfig{
		Topics:         topics,
		Discovery:      cfg.Discovery.Enabled,
		OriginName:     cfg.Discovery.OriginName,
		Retain:         cfg.MQTT.Retain,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, publisher, rt, logger)

	cache.OnStateChange(bridge.OnStateChange)
	rt.OnGeneration(func(*service.Generation) { bridge.Rediscover() })

	var evcc *mqtt.EVCC
	if cfg.EVCC.Enabled {
		evcc = mqtt.NewEVCC(evccConfig(cfg), publisher, rt, logger)
		cache.OnStateChange(evcc.OnStateChange)
	}

	if err := publisher.Connect(ctx); err != nil {
		return err
	}
	defer publisher.Disconnect()

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bridge.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("MQTT bridge stopped")
		}
	}()

	evccDone := make(chan struct{})
	go func() {
		defer close(evccDone)
		if evcc == nil {
			return
		}
		if err := evcc.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("evcc integration stopped")
		}
	}()

	loadDevices := func() ([]*domain.Device, error) {
		return config.LoadDevices(cfg.DevicesConfigPath)
	}
	devices, err := loadDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	if _, err := rt.Load(ctx, devices); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
	})
	healthChecker.AddCheck("runtime", rt)
	healthChecker.AddDegradedCheck("mqtt", publisher)
	healthChecker.AddDegradedCheck("devices", health.CheckerFunc(func(context.Context) error {
		return devicesConnected(rt.DeviceStatuses())
	}))

	apiHandler := api.NewAPIHandler(rt, loadDevices, topics, logger)
	apiHandler.SetTopicTracker(publisher)
	mux := api.NewRouter(apiHandler, api.NewMiddleware(cfg.API, logger), healthChecker, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", len(devices)).
		Int("http_port", cfg.HTTP.Port).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Bool("writes_enabled", cfg.Commands.WritesEnabled).
		Bool("evcc", cfg.EVCC.Enabled).
		Msg("Bridge started")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-hup:
			reload(ctx, rt, loadDevices, logger)
		}
	}

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping runtime")
	}
	<-bridgeDone
	<-evccDone

	logger.Info().Msg("Bridge shutdown complete")
	return nil
}

func reload(ctx context.Context, rt *service.Runtime, loadDevices api.DeviceLoader, logger zerolog.Logger) {
	devices, err := loadDevices()
	if err != nil {
		logger.Error().Err(err).Msg("Reload rejected, keeping current configuration")
		return
	}
	gen, err := rt.Load(ctx, devices)
	if err != nil {
		logger.Error().Err(err).Msg("Reload failed")
		return
	}
	logger.Info().Uint64("generation", gen.ID).Msg("Reloaded device configuration")
}

func devicesConnected(statuses []mb.DeviceStatus) error {
	down := 0
	for _, st := range statuses {
		if st.State != domain.StateConnected {
			down++
		}
	}
	if down > 0 {
		return fmt.Errorf("%d of %d devices not connected", down, len(statuses))
	}
	return nil
}

func runtimeConfig(cfg *config.Config) service.RuntimeConfig {
	return service.RuntimeConfig{
		Connection: mb.ConnectionConfig{
			Timeout:        cfg.Modbus.Timeout,
			IdleTimeout:    cfg.Modbus.IdleTimeout,
			BackoffInitial: cfg.Modbus.BackoffInitial,
			BackoffMax:     cfg.Modbus.BackoffMax,
			BackoffJitter:  cfg.Modbus.BackoffJitter,
			FaultThreshold: cfg.Modbus.FaultThreshold,
			FaultCooldown:  cfg.Modbus.FaultCooldown,
			QueueSize:      cfg.Modbus.QueueSize,
		},
		Scheduler: service.SchedulerConfig{
			WorkerCount:         cfg.Polling.WorkerCount,
			PollTimeout:         cfg.Polling.PollTimeout,
			DegradedThreshold:   cfg.Polling.DegradedThreshold,
			DegradedFactor:      cfg.Polling.DegradedFactor,
			MaxDegradedInterval: cfg.Polling.MaxDegradedInterval,
		},
		Commands: service.CommandConfig{
			WritesEnabled:   cfg.Commands.WritesEnabled,
			Timeout:         cfg.Commands.Timeout,
			MaxPending:      cfg.Commands.QueueSize,
			RefreshInterval: cfg.Commands.RefreshInterval,
		},
		DrainTimeout: cfg.Polling.ShutdownTimeout,
	}
}

func evccConfig(cfg *config.Config) mqtt.EVCCConfig {
	chargers := make([]mqtt.EVCCCharger, 0, len(cfg.EVCC.Chargers))
	for _, c := range cfg.EVCC.Chargers {
		chargers = append(chargers, mqtt.EVCCCharger{
			Name:       c.Name,
			Socket:     c.Socket,
			DeviceID:   c.Device,
			Available:  c.AvailablePoint,
			Mode3:      c.Mode3Point,
			Power:      c.PowerPoint,
			MaxCurrent: c.MaxCurrentPoint,
		})
	}
	return mqtt.EVCCConfig{
		Prefix:              cfg.EVCC.TopicPrefix,
		ThreePhaseThreshold: cfg.EVCC.ThreePhaseThreshold,
		Chargers:            chargers,
		PublishTimeout:      cfg.MQTT.PublishTimeout,
	}
}
