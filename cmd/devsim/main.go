// devsim simulates the instruments of a small observatory: cameras,
// focusers, filter wheels, rotators, guiders, plate solvers and power
// switch banks.
//
// Devices are declared in the configuration file and exposed over an HTTP
// API with a WebSocket event stream and, optionally, an MQTT bridge.
// Activity can be journalled to SQLite and streamed to InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/astro-devsim/internal/api"
	"github.com/nerrad567/astro-devsim/internal/bridge"
	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/config"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/database"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/influxdb"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/logging"
	"github.com/nerrad567/astro-devsim/internal/infrastructure/mqtt"
	"github.com/nerrad567/astro-devsim/internal/journal"
	"github.com/nerrad567/astro-devsim/internal/metrics"
	"github.com/nerrad567/astro-devsim/internal/registry"
	"github.com/nerrad567/astro-devsim/internal/telemetry"
	"github.com/nerrad567/astro-devsim/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/devsim.yaml"

	// retentionInterval is how often the journal is pruned.
	retentionInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the simulator and blocks until ctx is cancelled. Deferred
// cleanups run in reverse order of construction.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting devsim", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

	// Journal (optional)
	var jrnl *journal.Journal
	if cfg.Database.Enabled {
		db, err := database.Open(database.FromConfig(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		jrnl = journal.New(db.DB)
		jrnl.SetLogger(log.Component("journal"))
		if cfg.Database.RetentionDays > 0 {
			retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
			go jrnl.RunRetention(ctx, retention, retentionInterval)
		}
		log.Info("journal enabled", "path", db.Path(), "retention_days", cfg.Database.RetentionDays)
	} else {
		log.Info("journal disabled")
	}

	// Telemetry (optional)
	var tele *telemetry.Sink
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		tele = telemetry.NewSink(influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	store, err := imagestore.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening image store: %w", err)
	}
	log.Info("image store ready", "backend", store.Backend())

	// MQTT bridge (optional)
	mqttBridge, stopMQTT, err := startMQTT(cfg, log)
	if err != nil {
		return err
	}
	defer stopMQTT()

	m := metrics.New()

	sinks := map[string]device.EventSink{}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		sinks["websocket"] = hub
	}

	reg, err := registry.New(cfg, registry.Deps{
		Store:     store,
		Logger:    log,
		Metrics:   m,
		Journal:   jrnl,
		Telemetry: tele,
		Bridge:    mqttBridge,
		Sinks:     sinks,
	})
	if err != nil {
		return fmt.Errorf("building devices: %w", err)
	}
	defer func() {
		log.Info("stopping devices")
		if closeErr := reg.Close(); closeErr != nil {
			log.Error("error stopping devices", "error", closeErr)
		}
	}()

	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("starting devices: %w", err)
	}
	log.Info("devices started", "count", reg.Len())

	if mqttBridge != nil {
		mqttBridge.Start(ctx)
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Registry: reg,
			Journal:  jrnl,
			Metrics:  m,
			Bridge:   mqttBridge,
			Hub:      hub,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startMQTT connects the broker client and builds the bridge. Both are nil
// when MQTT is disabled. The returned cleanup closes the client.
func startMQTT(cfg *config.Config, log *logging.Logger) (*bridge.Bridge, func(), error) {
	noop := func() {}

	client, err := mqtt.Connect(cfg.MQTT)
	if errors.Is(err, mqtt.ErrDisabled) {
		log.Info("MQTT disabled")
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() { log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	cleanup := func() {
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}

	b, err := bridge.New(bridge.Options{
		Transport:      client,
		QoS:            byte(cfg.MQTT.QoS),
		HealthInterval: time.Duration(cfg.MQTT.HealthInterval) * time.Second,
		Version:        version,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	return b, cleanup, nil
}

// getConfigPath returns the configuration file path.
// Uses DEVSIM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEVSIM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
