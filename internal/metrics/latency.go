package metrics

import (
	"math"
	"sort"
	"sync"
)

// LatencyTimeline keeps a bounded ring of recent latency samples and serves
// percentile summaries for the ops status endpoint. Safe for concurrent use.
type LatencyTimeline struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

// LatencySummary is a point-in-time percentile snapshot in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// NewLatencyTimeline creates a timeline holding the most recent `capacity`
// samples. Capacity is clamped to a minimum of 1.
func NewLatencyTimeline(capacity int) *LatencyTimeline {
	if capacity < 1 {
		capacity = 1
	}
	return &LatencyTimeline{samples: make([]float64, capacity)}
}

// Record appends one latency sample in milliseconds, overwriting the oldest
// once the ring is full.
func (t *LatencyTimeline) Record(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = ms
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
}

// Summary computes percentiles over the samples currently held. The zero
// summary is returned when nothing has been recorded.
func (t *LatencyTimeline) Summary() LatencySummary {
	t.mu.Lock()
	n := len(t.samples)
	if !t.filled {
		n = t.next
	}
	live := make([]float64, n)
	if t.filled {
		copy(live, t.samples)
	} else {
		copy(live, t.samples[:n])
	}
	t.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(live)

	return LatencySummary{
		Count: n,
		P50:   percentile(live, 0.50),
		P95:   percentile(live, 0.95),
		P99:   percentile(live, 0.99),
		Max:   live[n-1],
	}
}

// percentile reads the nearest-rank percentile from sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
