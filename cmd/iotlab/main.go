// IoT Lab Core - telemetry ingestion and command relay
//
// This is the main entry point for the IoT Lab Core service. It:
//   - Ingests sensor telemetry published by field devices over MQTT
//   - Auto-provisions devices the first time they report
//   - Stores every reading and mirrors it to InfluxDB when enabled
//   - Relays commands to devices and correlates their responses
//   - Pushes readings and responses to WebSocket dashboards
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/iotlab-core/migrations"

	"github.com/nerrad567/iotlab-core/internal/api"
	"github.com/nerrad567/iotlab-core/internal/command"
	"github.com/nerrad567/iotlab-core/internal/correlator"
	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/config"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotlab-core/internal/reading"
	"github.com/nerrad567/iotlab-core/internal/realtime"
	"github.com/nerrad567/iotlab-core/internal/router"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds draining the ingest queues on exit.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting IoT Lab Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	m := metrics.New()

	// Open database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Connect to MQTT broker. An unreachable broker is retried in the
	// background; the router waits for the link before subscribing.
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	broker := fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected", "broker", broker)
		m.SetBusConnected(true)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		m.SetBusConnected(false)
	})
	m.SetBusConnected(mqttClient.IsConnected())
	if mqttClient.IsConnected() {
		log.Info("MQTT connected",
			"broker", broker,
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Warn("MQTT broker unreachable, retrying in background",
			"broker", broker,
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	checks := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}

	// Connect to InfluxDB (optional)
	var series router.TimeSeries
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		series = influxClient
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	topics := mqttClient.Topics()

	// Domain services
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("device"))
	registry.SetOnProvisioned(func(*device.Device) {
		m.DeviceProvisioned()
	})

	store := reading.NewStore(reading.NewSQLiteRepository(db.DB))
	commands := command.NewSQLiteRepository(db.DB)

	dispatcher := command.NewDispatcher(command.DispatcherDeps{
		Devices:    registry,
		Repository: commands,
		Publisher:  mqttClient,
		Topics:     topics,
		Logger:     log.Component("command"),
		Metrics:    m,
	})

	hub := realtime.NewHub(m)
	hub.SetLogger(log.Component("realtime"))

	responses := correlator.New(correlator.Deps{
		Notifier: hub,
		Devices:  registry,
		Commands: commands,
		Logger:   log.Component("correlator"),
		Metrics:  m,
	})

	ingest := router.New(router.Config{
		TelemetryTopic: topics.Telemetry(),
		ResponseTopic:  topics.ResponseWildcard(),
		QoS:            byte(cfg.MQTT.QoS),
		Workers:        cfg.Ingest.Workers,
		QueueSize:      cfg.Ingest.QueueSize,
		HandlerTimeout: cfg.GetHandlerTimeout(),
		Backoff: router.Backoff{
			Initial:     time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
			Max:         time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
			Multiplier:  cfg.MQTT.Reconnect.Multiplier,
			Jitter:      true,
			MaxAttempts: cfg.MQTT.Reconnect.MaxAttempts,
		},
	}, router.Deps{
		Bus:        mqttClient,
		Registry:   registry,
		Store:      store,
		Responses:  responses,
		Notifier:   hub,
		TimeSeries: series,
		Logger:     log.Component("router"),
		Metrics:    m,
	})

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if startErr := ingest.Start(ctx); startErr != nil && !errors.Is(startErr, context.Canceled) {
			log.Error("ingest router failed to start", "error", startErr)
		}
	}()

	// HTTP API and WebSocket
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Devices:  registry,
		Readings: store,
		Commands: dispatcher,
		Hub:      hub,
		Metrics:  m,
		Checks:   checks,
		Bus:      mqttClient,
		Router:   ingest,
		DB:       db,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := apiServer.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}

	<-routerDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ingest.Stop(shutdownCtx); err != nil {
		log.Warn("ingest router did not drain in time", "error", err)
	}

	// Deferred Close() calls run in reverse order: InfluxDB, MQTT, database.
	log.Info("IoT Lab Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTLAB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTLAB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
