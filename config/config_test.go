package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/scalpscan/recon/poisson"
)

func TestDefaultMatchesStageDefaults(t *testing.T) {
	cfg := Default()
	rp := poisson.DefaultReconstructionParameters()
	test.That(t, cfg.Reconstruction.Depth, test.ShouldEqual, rp.Depth)
	test.That(t, cfg.Reconstruction.SamplesPerNode, test.ShouldEqual, rp.SamplesPerNode)
	test.That(t, cfg.Reconstruction.PointWeight, test.ShouldEqual, rp.PointWeight)
	test.That(t, cfg.Reconstruction.Scale, test.ShouldEqual, rp.Scale)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, len(cfg.PipelineOptions()), test.ShouldEqual, 5)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := []byte(`
reconstruction:
  depth: 7
  pointWeight: 2.5
solver:
  maxIterations: 50
`)
	test.That(t, os.WriteFile(path, contents, 0o644), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Reconstruction.Depth, test.ShouldEqual, 7)
	test.That(t, cfg.Reconstruction.PointWeight, test.ShouldEqual, 2.5)
	test.That(t, cfg.Solver.MaxIterations, test.ShouldEqual, 50)
	// untouched fields keep their defaults
	test.That(t, cfg.Reconstruction.SamplesPerNode, test.ShouldEqual, Default().Reconstruction.SamplesPerNode)
	test.That(t, cfg.Processing.SpatialSigma, test.ShouldEqual, Default().Processing.SpatialSigma)
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	garbled := filepath.Join(dir, "garbled.yaml")
	test.That(t, os.WriteFile(garbled, []byte("reconstruction: ["), 0o644), test.ShouldBeNil)
	_, err := Load(garbled)
	test.That(t, err, test.ShouldNotBeNil)

	invalid := filepath.Join(dir, "invalid.yaml")
	test.That(t, os.WriteFile(invalid, []byte("reconstruction:\n  depth: 40\n"), 0o644), test.ShouldBeNil)
	_, err = Load(invalid)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidateBounds(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Reconstruction.Depth = 0 },
		func(c *Config) { c.Reconstruction.SamplesPerNode = 0 },
		func(c *Config) { c.Reconstruction.Scale = -1 },
		func(c *Config) { c.Processing.SpatialSigma = 0 },
		func(c *Config) { c.Processing.ConfidenceThreshold = 2 },
		func(c *Config) { c.Solver.MaxIterations = 0 },
		func(c *Config) { c.Solver.Tolerance = 0 },
	} {
		cfg := Default()
		mutate(cfg)
		test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Reconstruction.Depth = 5
	test.That(t, Save(cfg, path), test.ShouldBeNil)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, cfg)
}
