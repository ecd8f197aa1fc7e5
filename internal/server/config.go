// Package server loads configuration and runs the HTTP and gRPC endpoints
// of the recovery service.
package server

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"

	natsbackend "github.com/openjobspec/ojs-recovery-nats/internal/nats"
	"github.com/openjobspec/ojs-recovery-nats/internal/recovery"
	"github.com/openjobspec/ojs-recovery-nats/internal/store/postgres"
)

// Store drivers.
const (
	DriverNATS     = "nats"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Report   ReportConfig   `yaml:"report"`
}

// NATSConfig selects the broker.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig selects where recovery records and job status live.
type StoreConfig struct {
	Driver   string          `yaml:"driver"`
	Postgres postgres.Config `yaml:"postgres"`
}

// RecoveryConfig tunes the reader, worker and cancellation agents.
type RecoveryConfig struct {
	QueueName         string        `yaml:"queue_name"`
	BindingKey        string        `yaml:"binding_key"`
	RestartLimit      int           `yaml:"restart_limit"`
	RestartWindow     time.Duration `yaml:"restart_window"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	CancelConcurrency int           `yaml:"cancel_concurrency"`
	DeadLetter        bool          `yaml:"dead_letter"`
}

// ServerConfig holds the listen ports.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	GRPCPort        string        `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds the log level and format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReportConfig schedules the periodic status report. An empty schedule
// disables it.
type ReportConfig struct {
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		Store: StoreConfig{Driver: DriverNATS},
		Recovery: RecoveryConfig{
			QueueName:         natsbackend.DefaultQueueName,
			BindingKey:        natsbackend.RecoveryAllSubject(),
			RestartLimit:      recovery.DefaultRestartLimit,
			RestartWindow:     recovery.DefaultRestartWindow,
			ShutdownGrace:     recovery.DefaultShutdownGrace,
			CancelConcurrency: recovery.DefaultCancelConcurrency,
			DeadLetter:        true,
		},
		Server: ServerConfig{
			Port:            "8080",
			GRPCPort:        "9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Report:  ReportConfig{Schedule: "@every 5m"},
	}
}

// LoadConfig reads the YAML file at path, if any, over the defaults and
// then applies environment overrides. Environment variables referenced in
// the file are expanded.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}

	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Store.Driver = getEnv("OJS_RECOVERY_STORE", cfg.Store.Driver)
	cfg.Store.Postgres.URL = getEnv("DATABASE_URL", cfg.Store.Postgres.URL)
	cfg.Recovery.QueueName = getEnv("OJS_RECOVERY_QUEUE", cfg.Recovery.QueueName)
	cfg.Recovery.RestartLimit = getEnvInt("OJS_RECOVERY_RESTART_LIMIT", cfg.Recovery.RestartLimit)
	cfg.Recovery.CancelConcurrency = getEnvInt("OJS_RECOVERY_CANCEL_CONCURRENCY", cfg.Recovery.CancelConcurrency)
	cfg.Server.Port = getEnv("OJS_HEALTH_PORT", cfg.Server.Port)
	cfg.Server.GRPCPort = getEnv("OJS_GRPC_PORT", cfg.Server.GRPCPort)
	cfg.Logging.Level = getEnv("OJS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("OJS_LOG_FORMAT", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverNATS, DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			return errors.New("store.postgres.url is required for the postgres driver")
		}
	default:
		return errors.Newf("unknown store driver %q", c.Store.Driver)
	}
	if c.Recovery.QueueName == "" {
		return errors.New("recovery.queue_name is required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.Newf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
