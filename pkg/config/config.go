// Package config provides configuration loading and management for labelmesh.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"labelmesh/internal/stageerr"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input volume parameters
	Input struct {
		// TargetLabel is the label value whose surface is extracted
		TargetLabel int `yaml:"targetLabel"`

		// Spacing is the physical voxel size along x, y and z in mm
		Spacing [3]float64 `yaml:"spacing,flow"`
	} `yaml:"input"`

	// Anisotropic diffusion parameters
	Diffusion struct {
		// Iterations is the number of diffusion steps
		Iterations int `yaml:"iterations"`

		// Conductance controls the sensitivity to label edges
		Conductance float64 `yaml:"conductance"`

		// StepSize scales each diffusion step, at most 0.25
		StepSize float64 `yaml:"stepSize"`

		// Option is "exponential" or "flux-limited"
		Option string `yaml:"option"`
	} `yaml:"diffusion"`

	// Marching cubes parameters
	Extraction struct {
		// IsoLevel is the threshold on the filtered label field
		IsoLevel float64 `yaml:"isoLevel"`

		// Stride is the cube size in voxels
		Stride int `yaml:"stride"`

		// Pad closes surfaces touching the volume border
		Pad bool `yaml:"pad"`
	} `yaml:"extraction"`

	// Surface cleanup parameters
	Cleaning struct {
		// ToleranceFactor times the smallest spacing is the vertex merge distance
		ToleranceFactor float64 `yaml:"toleranceFactor"`
	} `yaml:"cleaning"`

	// Taubin smoothing parameters
	Smoothing struct {
		Iterations           int     `yaml:"iterations"`
		PassBand             float64 `yaml:"passBand"`
		NonManifoldSmoothing bool    `yaml:"nonManifoldSmoothing"`
		FeatureEdgeSmoothing bool    `yaml:"featureEdgeSmoothing"`
		BoundarySmoothing    bool    `yaml:"boundarySmoothing"`
		FeatureAngle         float64 `yaml:"featureAngle"`
		NormalizeCoordinates bool    `yaml:"normalizeCoordinates"`
	} `yaml:"smoothing"`

	// Output parameters
	Output struct {
		// Format is the mesh format when the output name has no extension
		Format string `yaml:"format"`

		// ASCII writes ASCII instead of binary STL
		ASCII bool `yaml:"ascii"`

		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// PreviewFormat is the image format of slice previews: png, jpg or webp
		PreviewFormat string `yaml:"previewFormat"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.TargetLabel = 1
	cfg.Input.Spacing = [3]float64{1, 1, 1}

	cfg.Diffusion.Iterations = 5
	cfg.Diffusion.Conductance = 50
	cfg.Diffusion.StepSize = 0.1
	cfg.Diffusion.Option = "exponential"

	cfg.Extraction.IsoLevel = 0.5
	cfg.Extraction.Stride = 1

	cfg.Cleaning.ToleranceFactor = 1e-5

	cfg.Smoothing.Iterations = 30
	cfg.Smoothing.PassBand = 0.1
	cfg.Smoothing.NonManifoldSmoothing = true
	cfg.Smoothing.FeatureEdgeSmoothing = true
	cfg.Smoothing.BoundarySmoothing = true
	cfg.Smoothing.FeatureAngle = 45
	cfg.Smoothing.NormalizeCoordinates = true

	cfg.Output.Format = "stl"
	cfg.Output.PreviewFormat = "png"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the values that can be checked without input data.
// Stage specific ranges are checked again by the stages themselves.
func (c *Config) Validate() error {
	invalid := func(property string, value interface{}, format string, args ...interface{}) error {
		return stageerr.InvalidParameter(stageerr.StageConfig, property, value, format, args...)
	}
	for i, s := range c.Input.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return invalid("input.spacing", c.Input.Spacing, "component %d must be positive and finite", i)
		}
	}
	if c.Diffusion.Iterations < 0 {
		return invalid("diffusion.iterations", c.Diffusion.Iterations, "must not be negative")
	}
	if !(c.Diffusion.StepSize > 0 && c.Diffusion.StepSize <= 0.25) {
		return invalid("diffusion.stepSize", c.Diffusion.StepSize, "must be in (0, 0.25]")
	}
	if !(c.Diffusion.Conductance > 0) {
		return invalid("diffusion.conductance", c.Diffusion.Conductance, "must be positive")
	}
	if c.Extraction.Stride < 1 {
		return invalid("extraction.stride", c.Extraction.Stride, "must be at least 1")
	}
	if math.IsNaN(c.Extraction.IsoLevel) || math.IsInf(c.Extraction.IsoLevel, 0) {
		return invalid("extraction.isoLevel", c.Extraction.IsoLevel, "must be finite")
	}
	if c.Cleaning.ToleranceFactor < 0 {
		return invalid("cleaning.toleranceFactor", c.Cleaning.ToleranceFactor, "must not be negative")
	}
	if c.Smoothing.Iterations < 0 {
		return invalid("smoothing.iterations", c.Smoothing.Iterations, "must not be negative")
	}
	if !(c.Smoothing.PassBand > 0 && c.Smoothing.PassBand < 2) {
		return invalid("smoothing.passBand", c.Smoothing.PassBand, "must be in (0, 2)")
	}
	switch strings.ToLower(c.Output.Format) {
	case "stl", "obj", "ply":
	default:
		return invalid("output.format", c.Output.Format, "expected stl, obj or ply")
	}
	switch strings.ToLower(c.Output.PreviewFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return invalid("output.previewFormat", c.Output.PreviewFormat, "expected png, jpg or webp")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
