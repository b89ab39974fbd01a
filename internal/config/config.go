// Package config holds all rlm configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Budget policies for sessions that exhaust the iteration budget without an
// explicit terminal signal.
const (
	// BudgetPolicyBestEffort surfaces the current hypothesis (or one final
	// no-code completion) as a best-effort answer.
	BudgetPolicyBestEffort = "best_effort"

	// BudgetPolicyFail surfaces an explicit budget-exhausted error.
	BudgetPolicyFail = "fail"
)

// Config holds all rlm configuration.
type Config struct {
	// LLM backend configuration
	LLM LLMConfig `yaml:"llm" json:"llm"`

	// Session / iteration controller settings
	Session SessionConfig `yaml:"session" json:"session"`

	// Context slicing thresholds
	Slicer SlicerConfig `yaml:"slicer" json:"slicer"`

	// Sandbox execution settings
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"` // anthropic, openai, gemini
	APIKey   string `yaml:"api_key" json:"api_key"`
	Model    string `yaml:"model" json:"model"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Timeout  string `yaml:"timeout" json:"timeout"`

	// SubQueryModel is the model used for sub-queries dispatched from
	// sandboxed code. Empty means same as Model.
	SubQueryModel string `yaml:"subquery_model" json:"subquery_model"`
}

// SessionConfig configures the iteration controller.
type SessionConfig struct {
	MaxIterations     int    `yaml:"max_iterations" json:"max_iterations"`
	PerStepTimeout    string `yaml:"per_step_timeout" json:"per_step_timeout"`
	BudgetPolicy      string `yaml:"budget_policy" json:"budget_policy"`
	MaxQueriesPerStep int    `yaml:"max_queries_per_step" json:"max_queries_per_step"` // 0 = unlimited
	MaxRecursionDepth int    `yaml:"max_recursion_depth" json:"max_recursion_depth"`
	AutoSlice         bool   `yaml:"auto_slice" json:"auto_slice"`
	SliceStrategy     string `yaml:"slice_strategy" json:"slice_strategy"` // auto unless overridden
}

// SlicerConfig holds the partitioning thresholds. The numeric defaults are
// tunable parameters, not derived constants.
type SlicerConfig struct {
	ListCutoff    int `yaml:"list_cutoff" json:"list_cutoff"`         // per-item slicing up to this length
	ListChunkSize int `yaml:"list_chunk_size" json:"list_chunk_size"` // elements per chunk beyond the cutoff
	CharChunkSize int `yaml:"char_chunk_size" json:"char_chunk_size"` // characters per plain-string chunk
}

// SandboxConfig configures the execution environment.
type SandboxConfig struct {
	// ExtraImports are additional stdlib packages allowed beyond the
	// built-in whitelist.
	ExtraImports []string `yaml:"extra_imports" json:"extra_imports"`

	// OutputLimit truncates captured stdout fed back to the root model.
	// 0 means no truncation.
	OutputLimit int `yaml:"output_limit" json:"output_limit"`
}

// LoggingConfig configures debug logging and the execution trace sink.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Level      string          `yaml:"level" json:"level"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`

	// TracePath enables the append-only session trace (JSONL) when set.
	TracePath string `yaml:"trace_path" json:"trace_path"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Timeout:  "5m",
		},
		Session: SessionConfig{
			MaxIterations:     20,
			PerStepTimeout:    "2m",
			BudgetPolicy:      BudgetPolicyBestEffort,
			MaxQueriesPerStep: 0,
			MaxRecursionDepth: 1,
			AutoSlice:         true,
			SliceStrategy:     "auto",
		},
		Slicer: SlicerConfig{
			ListCutoff:    10,
			ListChunkSize: 10,
			CharChunkSize: 10000,
		},
		Sandbox: SandboxConfig{
			OutputLimit: 20000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a config file (YAML or JSON by extension), decoded directly over
// the defaults so that explicit false/zero values in the file take effect,
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies RLM_* environment variables over the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("RLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("RLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("RLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("RLM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.MaxIterations = n
		}
	}
	if v := os.Getenv("RLM_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.DebugMode = true
	}
}

// Validate checks the config for inconsistencies.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}

	switch c.Session.BudgetPolicy {
	case BudgetPolicyBestEffort, BudgetPolicyFail:
	default:
		return fmt.Errorf("unknown budget policy: %q", c.Session.BudgetPolicy)
	}

	if c.Session.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.Session.MaxIterations)
	}
	if c.Session.MaxRecursionDepth <= 0 {
		return fmt.Errorf("max_recursion_depth must be positive, got %d", c.Session.MaxRecursionDepth)
	}

	if _, err := c.LLMTimeout(); err != nil {
		return fmt.Errorf("invalid llm timeout: %w", err)
	}
	if _, err := c.PerStepTimeout(); err != nil {
		return fmt.Errorf("invalid per-step timeout: %w", err)
	}
	return nil
}

// LLMTimeout parses the backend call timeout.
func (c *Config) LLMTimeout() (time.Duration, error) {
	if c.LLM.Timeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.LLM.Timeout)
}

// PerStepTimeout parses the per-step sandbox timeout. Zero means none.
func (c *Config) PerStepTimeout() (time.Duration, error) {
	if c.Session.PerStepTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Session.PerStepTimeout)
}
