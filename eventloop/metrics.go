package eventloop

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for the event loop, see WithMetrics.
// All methods are safe to call from any goroutine.
type Metrics struct {
	// Latency of individual tasks and timer callbacks. I/O callbacks are
	// not measured.
	Latency LatencyMetrics

	tasks  atomic.Uint64
	panics atomic.Uint64
	ticks  atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Latency LatencySnapshot
	Tasks   uint64
	Panics  uint64
	Ticks   uint64
}

// Snapshot returns a copy of the current values, computing percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Latency: m.Latency.Snapshot(),
		Tasks:   m.tasks.Load(),
		Panics:  m.panics.Load(),
		Ticks:   m.ticks.Load(),
	}
}

// sampleSize is the number of latency samples retained in the rolling buffer.
const sampleSize = 1000

// LatencyMetrics tracks a latency distribution over the most recent
// sampleSize observations. The zero value is ready to use.
type LatencyMetrics struct {
	mu          sync.Mutex
	samples     [sampleSize]time.Duration
	sampleIdx   int
	sampleCount int
	sum         time.Duration
	total       uint64
}

// LatencySnapshot holds percentiles computed from LatencyMetrics.
type LatencySnapshot struct {
	// Count is the total number of observations, including evicted ones.
	Count uint64
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
}

// Record records a latency sample.
func (l *LatencyMetrics) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}
	l.samples[l.sampleIdx] = d
	l.sum += d
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
	l.total++
}

// Snapshot computes percentiles over the retained samples.
func (l *LatencyMetrics) Snapshot() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	sum := l.sum
	total := l.total
	l.mu.Unlock()

	s := LatencySnapshot{Count: total}
	if count == 0 {
		return s
	}

	slices.Sort(sorted)
	s.P50 = sorted[percentileIndex(count, 50)]
	s.P90 = sorted[percentileIndex(count, 90)]
	s.P95 = sorted[percentileIndex(count, 95)]
	s.P99 = sorted[percentileIndex(count, 99)]
	s.Max = sorted[count-1]
	s.Mean = sum / time.Duration(count)
	return s
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
