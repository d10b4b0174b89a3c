package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scalpscan/recon/mesh"
)

// Entry is one cached quality record.
type Entry struct {
	Metrics   mesh.Metrics
	UpdatedAt time.Time
}

// MetricsCache stores quality metrics keyed by artifact identifier. It is an
// explicit, injected state object created with the pipeline and torn down
// with it: writes serialize through one lock and reads return consistent
// snapshots.
type MetricsCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]Entry
}

// NewMetricsCache returns an empty cache stamping entries with the given clock.
func NewMetricsCache(c clock.Clock) *MetricsCache {
	return &MetricsCache{clock: c, entries: make(map[string]Entry)}
}

// Store records metrics for an artifact, stamping the write time.
func (mc *MetricsCache) Store(id string, m mesh.Metrics) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries[id] = Entry{Metrics: m, UpdatedAt: mc.clock.Now()}
}

// Get returns the entry for an artifact, if present.
func (mc *MetricsCache) Get(id string) (Entry, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.entries[id]
	return e, ok
}

// Len returns the number of cached artifacts.
func (mc *MetricsCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.entries)
}

// Snapshot returns a copy of all entries; later writes do not affect it.
func (mc *MetricsCache) Snapshot() map[string]Entry {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make(map[string]Entry, len(mc.entries))
	for k, v := range mc.entries {
		out[k] = v
	}
	return out
}

// Close releases the cache's contents.
func (mc *MetricsCache) Close() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries = make(map[string]Entry)
}
