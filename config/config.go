// Package config loads pipeline configuration from YAML files and maps it
// onto the per-stage parameter structs.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/scalpscan/recon/mvs"
	"github.com/scalpscan/recon/pipeline"
	"github.com/scalpscan/recon/pointcloud"
	"github.com/scalpscan/recon/poisson"
)

// Config is the YAML-facing configuration for a full reconstruction run.
type Config struct {
	Reconstruction struct {
		// Depth bounds the octree subdivision and sets the extraction
		// grid to 2^Depth samples per axis.
		Depth int `yaml:"depth"`

		// SamplesPerNode is the leaf capacity that stops subdivision.
		SamplesPerNode int `yaml:"samplesPerNode"`

		// PointWeight scales every sample's contribution to the system.
		PointWeight float64 `yaml:"pointWeight"`

		// Scale widens each node's basis function relative to its extent.
		Scale float64 `yaml:"scale"`
	} `yaml:"reconstruction"`

	Processing struct {
		// SpatialSigma is the denoising kernel width in world units.
		SpatialSigma float64 `yaml:"spatialSigma"`

		// RangeSigma is the denoising intensity falloff.
		RangeSigma float64 `yaml:"rangeSigma"`

		// ConfidenceThreshold drops points below this confidence before
		// reconstruction.
		ConfidenceThreshold float64 `yaml:"confidenceThreshold"`

		// FeatureWeight scales feature strength in quality analysis.
		FeatureWeight float64 `yaml:"featureWeight"`
	} `yaml:"processing"`

	Fusion struct {
		// PhotometricSteps is the number of propagation/search sweeps.
		PhotometricSteps int `yaml:"photometricSteps"`

		// MinConsistency is the score floor for fusing a depth sample.
		MinConsistency float64 `yaml:"minConsistency"`
	} `yaml:"fusion"`

	Solver struct {
		// MaxIterations bounds the conjugate gradient loop.
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the relative residual at which the solve stops.
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"solver"`

	Quality struct {
		// MinCompleteness is the covered-surface fraction floor.
		MinCompleteness float64 `yaml:"minCompleteness"`

		// MaxNoise is the noise-level ceiling.
		MaxNoise float64 `yaml:"maxNoise"`

		// MinFeaturePreservation is the feature-preservation floor.
		MinFeaturePreservation float64 `yaml:"minFeaturePreservation"`
	} `yaml:"quality"`
}

// Default returns a configuration mirroring each stage's built-in defaults.
func Default() *Config {
	cfg := &Config{}

	rp := poisson.DefaultReconstructionParameters()
	cfg.Reconstruction.Depth = rp.Depth
	cfg.Reconstruction.SamplesPerNode = rp.SamplesPerNode
	cfg.Reconstruction.PointWeight = rp.PointWeight
	cfg.Reconstruction.Scale = rp.Scale

	pp := pointcloud.DefaultProcessingParameters()
	cfg.Processing.SpatialSigma = pp.SpatialSigma
	cfg.Processing.RangeSigma = pp.RangeSigma
	cfg.Processing.ConfidenceThreshold = pp.ConfidenceThreshold
	cfg.Processing.FeatureWeight = pp.FeatureWeight

	mo := mvs.DefaultOptions()
	cfg.Fusion.PhotometricSteps = mo.NumPhotometricConsistencySteps
	cfg.Fusion.MinConsistency = mo.MinPhotometricConsistency

	cfg.Solver.MaxIterations = 300
	cfg.Solver.Tolerance = 1e-6

	th := pipeline.DefaultThresholds()
	cfg.Quality.MinCompleteness = th.MinCompleteness
	cfg.Quality.MaxNoise = th.MaxNoise
	cfg.Quality.MinFeaturePreservation = th.MinFeaturePreservation

	return cfg
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; a malformed one is an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating parent directories
// as needed.
func Save(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}

// Validate rejects values no stage could run with.
func (cfg *Config) Validate() error {
	if cfg.Reconstruction.Depth < 1 || cfg.Reconstruction.Depth > 12 {
		return errors.Errorf("reconstruction depth %d out of range [1, 12]", cfg.Reconstruction.Depth)
	}
	if cfg.Reconstruction.SamplesPerNode < 1 {
		return errors.Errorf("samples per node %d must be positive", cfg.Reconstruction.SamplesPerNode)
	}
	if cfg.Reconstruction.Scale <= 0 {
		return errors.Errorf("scale %v must be positive", cfg.Reconstruction.Scale)
	}
	if cfg.Processing.SpatialSigma <= 0 || cfg.Processing.RangeSigma <= 0 {
		return errors.New("denoising sigmas must be positive")
	}
	if cfg.Processing.ConfidenceThreshold < 0 || cfg.Processing.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold %v out of range [0, 1]", cfg.Processing.ConfidenceThreshold)
	}
	if cfg.Solver.MaxIterations < 1 {
		return errors.Errorf("solver iterations %d must be positive", cfg.Solver.MaxIterations)
	}
	if cfg.Solver.Tolerance <= 0 {
		return errors.Errorf("solver tolerance %v must be positive", cfg.Solver.Tolerance)
	}
	return nil
}

// PipelineOptions converts the configuration into pipeline options.
func (cfg *Config) PipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithReconstructionParameters(poisson.ReconstructionParameters{
			Depth:          cfg.Reconstruction.Depth,
			SamplesPerNode: cfg.Reconstruction.SamplesPerNode,
			PointWeight:    cfg.Reconstruction.PointWeight,
			Scale:          cfg.Reconstruction.Scale,
		}),
		pipeline.WithProcessingParameters(pointcloud.ProcessingParameters{
			SpatialSigma:        cfg.Processing.SpatialSigma,
			RangeSigma:          cfg.Processing.RangeSigma,
			ConfidenceThreshold: cfg.Processing.ConfidenceThreshold,
			FeatureWeight:       cfg.Processing.FeatureWeight,
		}),
		pipeline.WithMVSOptions(mvs.Options{
			NumPhotometricConsistencySteps: cfg.Fusion.PhotometricSteps,
			MinPhotometricConsistency:      cfg.Fusion.MinConsistency,
		}),
		pipeline.WithThresholds(pipeline.Thresholds{
			MinCompleteness:        cfg.Quality.MinCompleteness,
			MaxNoise:               cfg.Quality.MaxNoise,
			MinFeaturePreservation: cfg.Quality.MinFeaturePreservation,
		}),
		pipeline.WithSolverLimits(cfg.Solver.MaxIterations, cfg.Solver.Tolerance),
	}
}
