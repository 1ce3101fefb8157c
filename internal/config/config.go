// Package config holds the daemon-level configuration wrapping the
// limiter config with transport, observability and cluster settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/llmgate/llmgate"
)

// RedisConfig holds Redis connection settings for the cluster backend.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// ClusterConfig tunes the centralized allocator.
type ClusterConfig struct {
	Prefix            string `json:"prefix" yaml:"prefix"`
	CleanupIntervalMs int64  `json:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
	InstanceTimeoutMs int64  `json:"instance_timeout_ms" yaml:"instance_timeout_ms"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Limiter llmgate.Config `json:"limiter" yaml:"limiter"`
	Redis   RedisConfig    `json:"redis" yaml:"redis"`
	Cluster ClusterConfig  `json:"cluster" yaml:"cluster"`
	Daemon  DaemonConfig   `json:"daemon" yaml:"daemon"`
	Tracing TracingConfig  `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Cluster: ClusterConfig{
			Prefix:            "llmgate:",
			CleanupIntervalMs: 5000,
			InstanceTimeoutMs: 15000,
		},
		Daemon: DaemonConfig{
			HTTPAddr:  ":9040",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "llmgate",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "llmgate",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LLMGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LLMGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LLMGATE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("LLMGATE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("LLMGATE_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("LLMGATE_CLUSTER_PREFIX"); v != "" {
		cfg.Cluster.Prefix = v
	}
	if v := os.Getenv("LLMGATE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
}
