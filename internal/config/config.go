// Package config provides configuration loading for forged.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables, then backfilled with defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete forged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	NATS          NATSConfig          `koanf:"nats"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Pools         PoolsConfig         `koanf:"pools"`
	Worker        WorkerConfig        `koanf:"worker"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig locates the job database.
type StorageConfig struct {
	// DataDir holds the SQLite database and anything else the daemon
	// persists. A leading ~ expands to the user's home directory.
	DataDir string `koanf:"data_dir"`
}

// NATSConfig selects between an embedded broker and an external one.
type NATSConfig struct {
	// URL of an external NATS server. Ignored when Embedded is true.
	URL string `koanf:"url"`
	// Embedded runs an in-process JetStream server. The default: a
	// single-binary deployment needs no external broker.
	Embedded bool `koanf:"embedded"`
	// StoreDir backs the embedded server's streams.
	StoreDir string `koanf:"store_dir"`
	// Token authenticates against an external server, if it wants one.
	Token Secret `koanf:"token"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	StageTimeout  time.Duration `koanf:"stage_timeout"`
	ResultPoll    time.Duration `koanf:"result_poll"`
	ClaimInterval time.Duration `koanf:"claim_interval"`
	Concurrency   int           `koanf:"concurrency"`
}

// PoolsConfig sizes the worker execution pools.
type PoolsConfig struct {
	StandardSlots        int     `koanf:"standard_slots"`
	AcceleratedSlots     int     `koanf:"accelerated_slots"`
	AcceleratorThreshold float64 `koanf:"accelerator_threshold"`
}

// WorkerConfig tunes an agent worker process.
type WorkerConfig struct {
	// AgentTypes limits which queues the worker consumes. Empty means
	// the full built-in roster.
	AgentTypes []string      `koanf:"agent_types"`
	FetchWait  time.Duration `koanf:"fetch_wait"`
}

// ObservabilityConfig holds logging and tracing configuration.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9410
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "~/.local/share/forged"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.Embedded = true
	}
	if cfg.NATS.StoreDir == "" {
		cfg.NATS.StoreDir = "~/.local/share/forged/nats"
	}

	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = time.Hour
	}
	if cfg.Pipeline.ResultPoll == 0 {
		cfg.Pipeline.ResultPoll = 2 * time.Second
	}
	if cfg.Pipeline.ClaimInterval == 0 {
		cfg.Pipeline.ClaimInterval = time.Second
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 1
	}

	if cfg.Pools.StandardSlots == 0 {
		cfg.Pools.StandardSlots = 4
	}
	if cfg.Pools.AcceleratorThreshold == 0 {
		cfg.Pools.AcceleratorThreshold = 0.5
	}

	if cfg.Worker.FetchWait == 0 {
		cfg.Worker.FetchWait = 2 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "forged"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
}

// Validate rejects configurations the daemons cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.embedded is false")
	}
	if c.Pipeline.StageTimeout <= 0 || c.Pipeline.ResultPoll <= 0 || c.Pipeline.ClaimInterval <= 0 {
		return errors.New("pipeline timeouts must be positive")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Pools.StandardSlots < 0 || c.Pools.AcceleratedSlots < 0 {
		return errors.New("pool slots cannot be negative")
	}
	if c.Pools.StandardSlots+c.Pools.AcceleratedSlots == 0 {
		return errors.New("at least one pool slot is required")
	}
	if c.Pools.AcceleratorThreshold <= 0 || c.Pools.AcceleratorThreshold > 1 {
		return fmt.Errorf("pools.accelerator_threshold must be in (0,1], got %v", c.Pools.AcceleratorThreshold)
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level %q is not one of debug|info|warn|error", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format %q is not one of json|console", c.Observability.LogFormat)
	}
	return nil
}
