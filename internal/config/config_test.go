package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "http_port out of range",
		},
		{
			name:    "external nats without url",
			mutate:  func(c *Config) { c.NATS.Embedded = false; c.NATS.URL = "" },
			wantErr: "nats.url is required",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Pipeline.Concurrency = -1 },
			wantErr: "concurrency",
		},
		{
			name:    "negative pool slots",
			mutate:  func(c *Config) { c.Pools.StandardSlots = -2 },
			wantErr: "cannot be negative",
		},
		{
			name: "no pool slots at all",
			mutate: func(c *Config) {
				c.Pools.StandardSlots = 0
				c.Pools.AcceleratedSlots = 0
			},
			wantErr: "at least one pool slot",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Pools.AcceleratorThreshold = 1.5 },
			wantErr: "accelerator_threshold",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Observability.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Observability.LogFormat = "xml" },
			wantErr: "log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Server.Port = 8080
	cfg.Pipeline.StageTimeout = 5 * time.Minute
	cfg.NATS.URL = "nats://broker:4222"

	applyDefaults(&cfg)

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, explicit value overwritten", cfg.Server.Port)
	}
	if cfg.Pipeline.StageTimeout != 5*time.Minute {
		t.Errorf("Pipeline.StageTimeout = %v, explicit value overwritten", cfg.Pipeline.StageTimeout)
	}
	if cfg.NATS.Embedded {
		t.Error("NATS.Embedded turned on despite configured url")
	}
}

func TestSecret_RedactsEverywhere(t *testing.T) {
	s := Secret("hunter2")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q, want redacted", got)
	}
	if got := s.GoString(); strings.Contains(got, "hunter2") {
		t.Errorf("GoString leaked: %q", got)
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("JSON leaked the secret: %s", data)
	}
	if s.Value() != "hunter2" {
		t.Errorf("Value() = %q, want the raw secret", s.Value())
	}
	if !s.IsSet() {
		t.Error("IsSet() = false for non-empty secret")
	}
}
