package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Zigbee bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity and state-routing settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health messages.
	ID string `yaml:"id"`

	// BaseTopic is the zigbee2mqtt base topic device messages arrive under.
	// Default: "zigbee2mqtt"
	BaseTopic string `yaml:"base_topic"`

	// CatalogFile is the path to the device/group catalog YAML.
	CatalogFile string `yaml:"catalog_file"`

	// PulseTimeoutMS is how long an event slot holds its value before the
	// complement is written back (milliseconds).
	// Default: 300
	PulseTimeoutMS int `yaml:"pulse_timeout_ms"`

	// DrainInterval is how often the retry queue is replayed (seconds).
	// Default: 5
	DrainInterval int `yaml:"drain_interval"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30
	HealthInterval int `yaml:"health_interval"`

	// DebugDevices lists device IDs whose raw messages are logged verbatim.
	DebugDevices []string `yaml:"debug_devices"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	// WARNING: Never log this value. Use String() for safe logging.
	Password string `yaml:"password"`
}

// String returns a string representation with the password masked.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTAuthConfig{Username:%q, Password:%s}", a.Username, password)
}

// MarshalJSON implements json.Marshaler to redact the password.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	type redacted MQTTAuthConfig
	safe := redacted(a)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for state history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// String returns a string representation with the token masked.
func (c InfluxDBConfig) String() string {
	token := ""
	if c.Token != "" {
		token = "[REDACTED]"
	}
	return fmt.Sprintf("InfluxDBConfig{Enabled:%t, URL:%q, Org:%q, Bucket:%q, Token:%s}",
		c.Enabled, c.URL, c.Org, c.Bucket, token)
}

// APIConfig contains the diagnostics HTTP server settings. The server
// exposes /metrics, catalog and queue inspection, state reads and commands,
// and a WebSocket state stream.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Listen    string           `yaml:"listen"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_ZIGBEE_SECTION_KEY
// For example: GRAYLOGIC_ZIGBEE_DATABASE_PATH, GRAYLOGIC_ZIGBEE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "zigbee-01",
			BaseTopic:      "zigbee2mqtt",
			CatalogFile:    "configs/catalog.yaml",
			PulseTimeoutMS: 300,
			DrainInterval:  5,
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/zigbee.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-zigbee",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":9464",
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 30,
				Idle:  120,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_BASE_TOPIC"); v != "" {
		cfg.Bridge.BaseTopic = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_CATALOG_FILE"); v != "" {
		cfg.Bridge.CatalogFile = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_DEBUG_DEVICES"); v != "" {
		cfg.Bridge.DebugDevices = splitList(v)
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_ZIGBEE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.BaseTopic == "" {
		errs = append(errs, "bridge.base_topic is required")
	} else if strings.ContainsAny(c.Bridge.BaseTopic, "+#") {
		errs = append(errs, "bridge.base_topic must not contain MQTT wildcards")
	}
	if c.Bridge.CatalogFile == "" {
		errs = append(errs, "bridge.catalog_file is required")
	}
	if c.Bridge.PulseTimeoutMS <= 0 {
		errs = append(errs, "bridge.pulse_timeout_ms must be positive")
	}
	if c.Bridge.DrainInterval <= 0 {
		errs = append(errs, "bridge.drain_interval must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			errs = append(errs, "api.listen is required when the api is enabled")
		}
		if c.API.WebSocket.PingInterval <= 0 || c.API.WebSocket.PongTimeout <= 0 {
			errs = append(errs, "api.websocket ping_interval and pong_timeout must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPulseTimeout returns the event-slot revert timeout as a Duration.
func (c *Config) GetPulseTimeout() time.Duration {
	return time.Duration(c.Bridge.PulseTimeoutMS) * time.Millisecond
}

// GetDrainInterval returns the retry-queue drain interval as a Duration.
func (c *Config) GetDrainInterval() time.Duration {
	return time.Duration(c.Bridge.DrainInterval) * time.Second
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
