// Package config loads service configuration: struct-tag defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" default:":8080"`
}

// DatabaseConfig holds the Postgres connection pieces.
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" default:"heartsync"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"heartsync"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// DSN renders the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds the feed broker connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StreamConfig configures the device stream client.
type StreamConfig struct {
	DeviceURL            string        `yaml:"device_url" default:"wss://echo.websocket.events/%s"`
	SampleInterval       time.Duration `yaml:"sample_interval" default:"50ms"`
	Simulate             bool          `yaml:"simulate" default:"true"`
	ReconnectBase        time.Duration `yaml:"reconnect_base" default:"1s"`
	ReconnectMax         time.Duration `yaml:"reconnect_max" default:"30s"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"10"`
}

// SimulatedDevice is one entry served by the demo network prober.
type SimulatedDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DiscoveryConfig configures peripheral scanning.
type DiscoveryConfig struct {
	ScanTimeout      time.Duration     `yaml:"scan_timeout" default:"10s"`
	NamePrefixes     []string          `yaml:"name_prefixes"`
	SimulatedDevices []SimulatedDevice `yaml:"simulated_devices"`
}

// AuthConfig configures token issuance.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" default:"24h"`
}

// Config holds the full application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Stream    StreamConfig    `yaml:"stream"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Auth      AuthConfig      `yaml:"auth"`
}

// DefaultConfig returns the tag-declared defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Discovery.NamePrefixes = []string{"HeartSync", "ECG"}
	cfg.Discovery.SimulatedDevices = []SimulatedDevice{
		{ID: "sim-ecg-1", Name: "Simulated ECG Monitor"},
	}
	return cfg
}

// Load reads configuration: defaults, then the YAML file if path is
// non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromEnv applies HEARTSYNC_* environment overrides.
func (c *Config) loadFromEnv() {
	setString(&c.LogLevel, "HEARTSYNC_LOG_LEVEL")
	setString(&c.Server.ListenAddr, "HEARTSYNC_LISTEN_ADDR")

	setString(&c.Database.Host, "HEARTSYNC_DB_HOST")
	setInt(&c.Database.Port, "HEARTSYNC_DB_PORT")
	setString(&c.Database.User, "HEARTSYNC_DB_USER")
	setString(&c.Database.Password, "HEARTSYNC_DB_PASSWORD")
	setString(&c.Database.Database, "HEARTSYNC_DB_DATABASE")
	setString(&c.Database.SSLMode, "HEARTSYNC_DB_SSLMODE")

	setString(&c.Redis.Addr, "HEARTSYNC_REDIS_ADDR")
	setString(&c.Redis.Password, "HEARTSYNC_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "HEARTSYNC_REDIS_DB")

	setString(&c.Stream.DeviceURL, "HEARTSYNC_DEVICE_URL")
	setString(&c.Auth.JWTSecret, "HEARTSYNC_JWT_SECRET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		fmt.Sscanf(v, "%d", dst)
	}
}

// NewLogger creates a logger configured from LogLevel.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
