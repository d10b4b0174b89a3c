// Command scalprecon reconstructs a surface mesh from an oriented point
// cloud. With no input file it runs a synthetic sphere demo.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/scalpscan/recon/config"
	"github.com/scalpscan/recon/pipeline"
	"github.com/scalpscan/recon/pointcloud"
)

func main() {
	inputPath := flag.String("input", "", "oriented point file: x y z nx ny nz [confidence] per line")
	outputPath := flag.String("output", "mesh.ply", "output PLY filename")
	configPath := flag.String("config", "", "optional YAML configuration file")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall reconstruction deadline")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := golog.NewLogger("scalprecon")
	if *debug {
		logger = golog.NewDebugLogger("scalprecon")
	}

	if err := run(logger, *inputPath, *outputPath, *configPath, *timeout); err != nil {
		logger.Fatalw("reconstruction failed", "error", err)
	}
}

func run(logger golog.Logger, inputPath, outputPath, configPath string, timeout time.Duration) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	var cloud *pointcloud.Cloud
	if inputPath == "" {
		logger.Info("no input file given, reconstructing a synthetic sphere")
		cloud = syntheticSphere(2000, 1.0)
	} else {
		var err error
		if cloud, err = loadOrientedPoints(inputPath); err != nil {
			return err
		}
	}
	logger.Infow("loaded cloud", "points", cloud.Size())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p := pipeline.New(logger, cfg.PipelineOptions()...)
	defer p.Close()

	start := time.Now()
	result, err := p.Reconstruct(ctx, "scalprecon", cloud)
	if err != nil {
		return err
	}
	logger.Infow("reconstruction finished",
		"elapsed", time.Since(start),
		"vertices", len(result.Mesh.Vertices),
		"triangles", result.Mesh.TriangleCount(),
		"completeness", result.Metrics.SurfaceCompleteness,
		"noise", result.Metrics.NoiseLevel,
		"featurePreservation", result.Metrics.FeaturePreservation,
		"degraded", result.Degraded,
		"retried", result.Retried)

	if err := result.Mesh.SavePLY(outputPath); err != nil {
		return err
	}
	logger.Infow("mesh written", "path", outputPath)
	return nil
}

// loadOrientedPoints parses a whitespace-separated point file. Confidence
// defaults to 1 when the column is absent.
func loadOrientedPoints(path string) (*pointcloud.Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening point file")
	}
	defer f.Close()

	cloud := pointcloud.New()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" || text[0] == '#' {
			continue
		}
		var pos, normal r3.Vector
		confidence := 1.0
		n, err := fmt.Sscan(text, &pos.X, &pos.Y, &pos.Z, &normal.X, &normal.Y, &normal.Z, &confidence)
		if err != nil && n < 6 {
			return nil, errors.Errorf("line %d: expected at least 6 fields, got %d", line, n)
		}
		cloud.Append(pointcloud.NewPoint(pos, normal, confidence))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading point file")
	}
	return cloud, nil
}

// syntheticSphere samples a unit sphere with outward normals using a
// Fibonacci lattice.
func syntheticSphere(count int, radius float64) *pointcloud.Cloud {
	cloud := pointcloud.NewWithPrealloc(count)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < count; i++ {
		y := 1 - 2*float64(i)/float64(count-1)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		dir := r3.Vector{X: math.Cos(theta) * r, Y: y, Z: math.Sin(theta) * r}
		cloud.Append(pointcloud.NewPoint(dir.Mul(radius), dir, 1.0))
	}
	return cloud
}
