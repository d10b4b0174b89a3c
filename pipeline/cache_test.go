package pipeline

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/scalpscan/recon/mesh"
)

func TestMetricsCache(t *testing.T) {
	mockClock := clock.NewMock()
	start := mockClock.Now()
	cache := NewMetricsCache(mockClock)
	test.That(t, cache.Len(), test.ShouldEqual, 0)

	_, ok := cache.Get("missing")
	test.That(t, ok, test.ShouldBeFalse)

	first := mesh.Metrics{SurfaceCompleteness: 0.9}
	cache.Store("scan-a", first)
	mockClock.Add(time.Minute)
	cache.Store("scan-b", mesh.Metrics{SurfaceCompleteness: 0.7})
	test.That(t, cache.Len(), test.ShouldEqual, 2)

	a, ok := cache.Get("scan-a")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, a.Metrics, test.ShouldResemble, first)
	test.That(t, a.UpdatedAt, test.ShouldEqual, start)

	b, _ := cache.Get("scan-b")
	test.That(t, b.UpdatedAt, test.ShouldEqual, start.Add(time.Minute))

	// overwriting restamps the entry
	mockClock.Add(time.Minute)
	cache.Store("scan-a", mesh.Metrics{SurfaceCompleteness: 0.95})
	a, _ = cache.Get("scan-a")
	test.That(t, a.UpdatedAt, test.ShouldEqual, start.Add(2*time.Minute))

	cache.Close()
	test.That(t, cache.Len(), test.ShouldEqual, 0)
}

func TestMetricsCacheSnapshotIsolation(t *testing.T) {
	cache := NewMetricsCache(clock.NewMock())
	cache.Store("scan-a", mesh.Metrics{NoiseLevel: 0.1})

	snap := cache.Snapshot()
	cache.Store("scan-b", mesh.Metrics{NoiseLevel: 0.2})
	cache.Store("scan-a", mesh.Metrics{NoiseLevel: 0.9})

	test.That(t, len(snap), test.ShouldEqual, 1)
	test.That(t, snap["scan-a"].Metrics.NoiseLevel, test.ShouldEqual, 0.1)
}
