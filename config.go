package llmgate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Pricing is the per-model price sheet in USD per million tokens.
type Pricing struct {
	Input  float64 `json:"input" yaml:"input"`
	Cached float64 `json:"cached" yaml:"cached"`
	Output float64 `json:"output" yaml:"output"`
}

// ModelLimits enumerates one model's rate dimensions. A zero value
// disables that dimension.
type ModelLimits struct {
	RequestsPerMinute     int64   `json:"requestsPerMinute" yaml:"requestsPerMinute"`
	RequestsPerDay        int64   `json:"requestsPerDay" yaml:"requestsPerDay"`
	TokensPerMinute       int64   `json:"tokensPerMinute" yaml:"tokensPerMinute"`
	TokensPerDay          int64   `json:"tokensPerDay" yaml:"tokensPerDay"`
	MaxConcurrentRequests int64   `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests"`
	MaxCapacityKB         int64   `json:"maxCapacity" yaml:"maxCapacity"`
	Pricing               Pricing `json:"pricing" yaml:"pricing"`
}

// RatioConfig assigns a job type's share of the slot pool. Flexible
// defaults to true; non-flexible types keep their initial ratio exactly.
type RatioConfig struct {
	InitialValue float64 `json:"initialValue" yaml:"initialValue"`
	Flexible     *bool   `json:"flexible,omitempty" yaml:"flexible,omitempty"`
}

// ResourceEstimation declares one job type's expected per-job consumption.
// Token and request estimates of zero together make the type measure-only:
// time windows are skipped at admission and actual usage is recorded after
// the job ran.
type ResourceEstimation struct {
	EstimatedUsedTokens       int64        `json:"estimatedUsedTokens" yaml:"estimatedUsedTokens"`
	EstimatedNumberOfRequests int64        `json:"estimatedNumberOfRequests" yaml:"estimatedNumberOfRequests"`
	EstimatedUsedMemoryKB     int64        `json:"estimatedUsedMemoryKB" yaml:"estimatedUsedMemoryKB"`
	Ratio                     *RatioConfig `json:"ratio,omitempty" yaml:"ratio,omitempty"`
}

// RatioAdjustmentConfig tunes the dynamic ratio pass. Zero fields take the
// documented defaults (1000 ms, 10 releases, 0.8, 0.3, 0.1, 0.05).
type RatioAdjustmentConfig struct {
	AdjustmentIntervalMs  int64   `json:"adjustmentIntervalMs" yaml:"adjustmentIntervalMs"`
	ReleasesPerAdjustment int     `json:"releasesPerAdjustment" yaml:"releasesPerAdjustment"`
	HighLoadThreshold     float64 `json:"highLoadThreshold" yaml:"highLoadThreshold"`
	LowLoadThreshold      float64 `json:"lowLoadThreshold" yaml:"lowLoadThreshold"`
	MaxAdjustment         float64 `json:"maxAdjustment" yaml:"maxAdjustment"`
	MinRatio              float64 `json:"minRatio" yaml:"minRatio"`
}

// MemoryConfig tunes the shared host-memory pool.
type MemoryConfig struct {
	FreeMemoryRatio         float64 `json:"freeMemoryRatio" yaml:"freeMemoryRatio"`
	RecalculationIntervalMs int64   `json:"recalculationIntervalMs" yaml:"recalculationIntervalMs"`
}

// Config is the limiter configuration.
type Config struct {
	Models          map[string]ModelLimits `json:"models" yaml:"models"`
	EscalationOrder []string               `json:"escalationOrder,omitempty" yaml:"escalationOrder,omitempty"`

	ResourceEstimationsPerJob map[string]ResourceEstimation `json:"resourceEstimationsPerJob" yaml:"resourceEstimationsPerJob"`

	RatioAdjustment *RatioAdjustmentConfig `json:"ratioAdjustmentConfig,omitempty" yaml:"ratioAdjustmentConfig,omitempty"`
	Memory          *MemoryConfig          `json:"memory,omitempty" yaml:"memory,omitempty"`

	// TotalSlots caps job-type slots when no backend supplies an
	// allocation. Zero derives it from the model limits and estimates.
	TotalSlots int64 `json:"totalSlots,omitempty" yaml:"totalSlots,omitempty"`
}

// Validate checks the configuration combinations that must be rejected at
// construction time.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return &ConfigError{Field: "models", Reason: "at least one model is required"}
	}
	if len(c.Models) > 1 && len(c.EscalationOrder) == 0 {
		return &ConfigError{Field: "escalationOrder", Reason: "required when more than one model is configured"}
	}
	seen := make(map[string]bool, len(c.EscalationOrder))
	for _, id := range c.EscalationOrder {
		if _, ok := c.Models[id]; !ok {
			return &ConfigError{Field: "escalationOrder", Reason: fmt.Sprintf("unknown model %q", id)}
		}
		if seen[id] {
			return &ConfigError{Field: "escalationOrder", Reason: fmt.Sprintf("model %q listed twice", id)}
		}
		seen[id] = true
	}
	for id, m := range c.Models {
		for name, v := range map[string]int64{
			"requestsPerMinute":     m.RequestsPerMinute,
			"requestsPerDay":        m.RequestsPerDay,
			"tokensPerMinute":       m.TokensPerMinute,
			"tokensPerDay":          m.TokensPerDay,
			"maxConcurrentRequests": m.MaxConcurrentRequests,
			"maxCapacity":           m.MaxCapacityKB,
		} {
			if v < 0 {
				return &ConfigError{Field: "models." + id + "." + name, Reason: "must not be negative"}
			}
		}
	}

	var ratioSum float64
	for id, est := range c.ResourceEstimationsPerJob {
		if est.EstimatedUsedTokens < 0 || est.EstimatedNumberOfRequests < 0 || est.EstimatedUsedMemoryKB < 0 {
			return &ConfigError{Field: "resourceEstimationsPerJob." + id, Reason: "estimates must not be negative"}
		}
		if est.Ratio != nil {
			if est.Ratio.InitialValue < 0 || est.Ratio.InitialValue > 1 {
				return &ConfigError{Field: "resourceEstimationsPerJob." + id + ".ratio", Reason: "must be in [0, 1]"}
			}
			ratioSum += est.Ratio.InitialValue
		}
	}
	if ratioSum > 1+1e-9 {
		return &ConfigError{Field: "resourceEstimationsPerJob", Reason: fmt.Sprintf("initial ratios sum to %.3f, must not exceed 1", ratioSum)}
	}
	if c.TotalSlots < 0 {
		return &ConfigError{Field: "totalSlots", Reason: "must not be negative"}
	}
	return nil
}

// Order returns the effective escalation order: the configured one, or
// the single model when only one is defined.
func (c *Config) Order() []string {
	if len(c.EscalationOrder) > 0 {
		return c.EscalationOrder
	}
	order := make([]string, 0, len(c.Models))
	for id := range c.Models {
		order = append(order, id)
	}
	return order
}

// AdjustmentInterval returns the configured adjustment interval.
func (r *RatioAdjustmentConfig) AdjustmentInterval() time.Duration {
	if r == nil || r.AdjustmentIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(r.AdjustmentIntervalMs) * time.Millisecond
}

// LoadConfig reads a limiter config from a JSON or YAML file, chosen by
// extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
