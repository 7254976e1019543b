// Package config provides configuration loading and management for the
// skull stripping pipeline. It handles loading configuration from YAML
// files and provides default values. Precedence is CLI flags over config
// file over defaults; the flag layer is applied by the caller.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"skullstrip/pkg/quality"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Preprocessing parameters
	Preprocessing struct {
		// NormalizeMethod selects intensity normalization: zscore or minmax.
		NormalizeMethod string `yaml:"normalizeMethod"`

		// GaussianSigma is the smoothing sigma in voxels. Zero disables
		// smoothing.
		GaussianSigma float64 `yaml:"gaussianSigma"`
	} `yaml:"preprocessing"`

	// Registration parameters
	Registration struct {
		// Type selects the transform family: rigid or affine.
		Type string `yaml:"type"`

		// Schedule lists pyramid downsampling factors, coarsest first.
		Schedule []int `yaml:"schedule"`

		// MaxIterations caps the optimizer at each pyramid level.
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"registration"`

	// Extraction parameters
	Extraction struct {
		// MaskTarget chooses which volume the mask is applied to:
		// preprocessed or original.
		MaskTarget string `yaml:"maskTarget"`
	} `yaml:"extraction"`

	// Atlas parameters
	Atlas struct {
		// Dir is the directory holding the reference template and mask.
		Dir string `yaml:"dir"`
	} `yaml:"atlas"`

	// Quality holds the acceptance thresholds for the quality assessor.
	Quality quality.Thresholds `yaml:"quality"`

	// Watch parameters
	Watch struct {
		// IntervalSeconds is the directory polling interval.
		IntervalSeconds float64 `yaml:"intervalSeconds"`

		// MaxRetries bounds reprocessing attempts per file.
		MaxRetries int `yaml:"maxRetries"`

		// MaxParallelWorkers bounds concurrent pipeline tasks.
		MaxParallelWorkers int `yaml:"maxParallelWorkers"`

		// TaskTimeoutSeconds bounds one pipeline run; exceeding it counts
		// as a retryable failure. Zero disables the timeout.
		TaskTimeoutSeconds float64 `yaml:"taskTimeoutSeconds"`

		// LedgerPath is the sqlite claim ledger location. Defaults to
		// watch.db inside the output directory.
		LedgerPath string `yaml:"ledgerPath"`
	} `yaml:"watch"`

	// Logging parameters
	Logging struct {
		// Level controls log verbosity: debug, info, warning, or error.
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Preprocessing.NormalizeMethod = "zscore"
	cfg.Preprocessing.GaussianSigma = 1.0

	cfg.Registration.Type = "rigid"
	cfg.Registration.Schedule = []int{4, 2, 1}
	cfg.Registration.MaxIterations = 200

	cfg.Extraction.MaskTarget = "preprocessed"

	cfg.Atlas.Dir = "/data/atlas"

	cfg.Quality = quality.DefaultThresholds()

	cfg.Watch.IntervalSeconds = 2.0
	cfg.Watch.MaxRetries = 3
	cfg.Watch.MaxParallelWorkers = runtime.NumCPU()
	cfg.Watch.TaskTimeoutSeconds = 600

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and numeric bounds.
func (c *Config) Validate() error {
	switch c.Preprocessing.NormalizeMethod {
	case "zscore", "minmax":
	default:
		return fmt.Errorf("invalid normalizeMethod %q", c.Preprocessing.NormalizeMethod)
	}
	switch c.Registration.Type {
	case "rigid", "affine":
	default:
		return fmt.Errorf("invalid registration type %q", c.Registration.Type)
	}
	switch c.Extraction.MaskTarget {
	case "preprocessed", "original":
	default:
		return fmt.Errorf("invalid maskTarget %q", c.Extraction.MaskTarget)
	}
	for _, f := range c.Registration.Schedule {
		if f < 1 {
			return fmt.Errorf("invalid schedule factor %d", f)
		}
	}
	if c.Watch.MaxParallelWorkers < 1 {
		return fmt.Errorf("maxParallelWorkers must be at least 1")
	}
	if c.Watch.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
