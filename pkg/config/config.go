// Package config provides configuration loading and management for
// dmridenoise. It handles loading configuration from YAML files and provides
// default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"dmridenoise/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many CPU cores to use for parallel block work
		Workers int `yaml:"workers"`

		// Coils is the receiver coil count N of the noise model
		Coils int `yaml:"coils"`

		// Iterations is the L1 reweighting iteration count
		Iterations int `yaml:"iterations"`

		// B0Threshold is the b-value at or below which a volume counts as b0
		B0Threshold float64 `yaml:"b0Threshold"`

		// SmoothingOrder controls the angular reference fit; 0 disables it
		SmoothingOrder int `yaml:"smoothingOrder"`

		// Symmetric marks the acquisition as antipodally symmetric
		Symmetric bool `yaml:"symmetric"`

		// Subsample enables minimal-coverage angular group selection
		Subsample bool `yaml:"subsample"`
	} `yaml:"processing"`

	// Block geometry parameters
	Block struct {
		// Sx, Sy, Sz are the spatial block extents in voxels
		Sx int `yaml:"sx"`
		Sy int `yaml:"sy"`
		Sz int `yaml:"sz"`

		// Angular is the number of angular neighbors per anchor direction
		Angular int `yaml:"angular"`
	} `yaml:"block"`

	// Noise estimation parameters
	Noise struct {
		// Strategy selects the estimation strategy: one of "local", "global",
		// "sigma" (supplied sigma volume) or "map" (supplied noise map)
		Strategy string `yaml:"strategy"`

		// SigmaPath is the supplied sigma volume for the "sigma" strategy
		SigmaPath string `yaml:"sigmaPath"`

		// NoiseMapPath is the noise-only acquisition for the "map" strategy
		NoiseMapPath string `yaml:"noiseMapPath"`
	} `yaml:"noise"`

	// Output parameters
	Output struct {
		// SaveSigma writes the estimated sigma map next to the output
		SaveSigma bool `yaml:"saveSigma"`

		// SaveStabilized writes the stabilized volume next to the output
		SaveStabilized bool `yaml:"saveStabilized"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Coils = 1
	cfg.Processing.Iterations = 10
	cfg.Processing.B0Threshold = models.DefaultB0Threshold
	cfg.Processing.SmoothingOrder = 2
	cfg.Processing.Symmetric = false
	cfg.Processing.Subsample = true

	cfg.Block.Sx = 3
	cfg.Block.Sy = 3
	cfg.Block.Sz = 3
	cfg.Block.Angular = 5

	cfg.Noise.Strategy = "local"

	cfg.Output.SaveSigma = false
	cfg.Output.SaveStabilized = false
	cfg.Output.Verbose = true

	return cfg
}

// BlockDescriptor returns the configured block geometry.
func (c *Config) BlockDescriptor() models.BlockDescriptor {
	return models.BlockDescriptor{
		Sx:       c.Block.Sx,
		Sy:       c.Block.Sy,
		Sz:       c.Block.Sz,
		NAngular: c.Block.Angular,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
