package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-zigbee/internal/api"
	"github.com/nerrad567/gray-logic-zigbee/internal/audit"
	"github.com/nerrad567/gray-logic-zigbee/internal/bridges/zigbee"
	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-zigbee/internal/statestore"
	"github.com/nerrad567/gray-logic-zigbee/migrations"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts.ConfigPath)
		},
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Zigbee",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store, err := statestore.New(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	auditRepo := audit.NewSQLiteRepository(db.DB)

	cat, err := catalog.LoadFile(cfg.Bridge.CatalogFile)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	defer cat.Close()
	st := cat.Stats()
	log.Info("catalog loaded",
		"path", cfg.Bridge.CatalogFile,
		"groups", st.Groups,
		"devices", st.Devices,
		"slots", st.Slots,
	)

	// Connect to MQTT broker
	topics := mqtt.NewTopics(cfg.Bridge.BaseTopic)
	mqttClient, err := mqtt.Connect(cfg.MQTT, topics.BridgeStatus(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Every persisted write fans out to these (InfluxDB, API WebSocket hub).
	var recorders statestore.Recorders

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		recorders = append(recorders, influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	m := metrics.New()

	bridge, err := zigbee.NewBridge(zigbee.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		BaseTopic:      cfg.Bridge.BaseTopic,
		Version:        version,
		QoS:            byte(cfg.MQTT.QoS),
		PulseTimeout:   cfg.GetPulseTimeout(),
		DrainInterval:  cfg.GetDrainInterval(),
		HealthInterval: cfg.GetHealthInterval(),
		DebugDevices:   cfg.Bridge.DebugDevices,
		Catalog:        cat,
		Store:          store,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Diagnostics API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Store:   store,
			Bridge:  bridge,
			Catalog: cat,
			Metrics: m,
			Audit:   auditRepo,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		recorders = append(recorders, apiServer)
	}
	if len(recorders) > 0 {
		store.SetHistoryRecorder(recorders)
	}

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.HandleConnect()
	})
	mqttClient.SetOnDisconnect(bridge.HandleDisconnect)

	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	bridge.HandleConnect()

	if apiServer != nil {
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, cleaning up")
			return nil
		case <-hup:
			reloadCatalog(ctx, bridge, auditRepo, cfg.Bridge.CatalogFile, log)
		}
	}
}

// reloadCatalog re-reads the catalog file. A broken file leaves the running
// catalog in place. Every attempt is written to the audit log.
func reloadCatalog(ctx context.Context, bridge *zigbee.Bridge, repo audit.Repository, path string, log *logging.Logger) {
	details := map[string]any{"path": path}
	defer func() {
		entry := &audit.Entry{Action: audit.ActionCatalogReload, Source: audit.SourceSignal, Details: details}
		if err := repo.Create(ctx, entry); err != nil {
			log.Warn("failed to record catalog reload in audit log", "error", err)
		}
	}()

	next, err := catalog.LoadFile(path)
	if err != nil {
		log.Error("catalog reload failed, keeping current catalog", "path", path, "error", err)
		details["error"] = err.Error()
		return
	}
	st := next.Stats()
	details["groups"], details["devices"], details["slots"] = st.Groups, st.Devices, st.Slots

	if err := bridge.ReloadCatalog(ctx, next); err != nil {
		log.Error("catalog reload incomplete", "error", err)
		details["error"] = err.Error()
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements zigbee.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements zigbee.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements zigbee.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
