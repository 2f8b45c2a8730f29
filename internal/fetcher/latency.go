package fetcher

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// LatencyTracker records RPC round-trip times and reports percentiles.
type LatencyTracker struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
	count  int64
	max    time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		digest: tdigest.NewWithCompression(100), // ~100 centroids, ~10KB
	}
}

// Record adds one observation.
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.digest.Add(float64(d.Nanoseconds()), 1)
	l.count++
	if d > l.max {
		l.max = d
	}
}

// Count returns the number of observations.
func (l *LatencyTracker) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Percentiles returns p50, p95, p99 and the maximum. All are zero when
// nothing has been recorded.
func (l *LatencyTracker) Percentiles() (p50, p95, p99, max time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0, 0, 0, 0
	}
	p50 = time.Duration(l.digest.Quantile(0.50))
	p95 = time.Duration(l.digest.Quantile(0.95))
	p99 = time.Duration(l.digest.Quantile(0.99))
	return p50, p95, p99, l.max
}
