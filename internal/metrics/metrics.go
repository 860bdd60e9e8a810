// Package metrics keeps the dispatcher's domain counters, gauges, and
// latency histograms in memory. The queue and orchestrator record into a
// Registry; the HTTP layer renders snapshots as JSON or Prometheus text.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// histogramWindow bounds the per-operation sample window used for
// percentile estimates.
const histogramWindow = 1000

// completionWindow is the rolling window backing the jobs_per_hour gauge.
const completionWindow = 24 * time.Hour

// histogram is a ring of the most recent latency samples for one operation.
type histogram struct {
	samples [histogramWindow]float64
	next    int
	full    bool
}

func (h *histogram) observe(v float64) {
	h.samples[h.next] = v
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

func (h *histogram) window() []float64 {
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	out := make([]float64, n)
	copy(out, h.samples[:n])
	return out
}

// percentile computes the pth percentile (nearest rank) over a sorted window.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*p/100+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// OperationStats summarizes one operation's latency window.
type OperationStats struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Snapshot is a point-in-time copy of every metric, safe to serialize.
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Counters      map[string]int64          `json:"counters"`
	Gauges        map[string]float64        `json:"gauges"`
	Operations    map[string]OperationStats `json:"operations"`
	JobsPerHour   float64                   `json:"jobs_per_hour"`
	TakenAt       time.Time                 `json:"taken_at"`
}

// Registry is a thread-safe in-memory metric store.
type Registry struct {
	mu          sync.Mutex
	startedAt   time.Time
	counters    map[string]int64
	gauges      map[string]float64
	histograms  map[string]*histogram
	opCounts    map[string]int64
	completions []time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		startedAt:  time.Now().UTC(),
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
		opCounts:   make(map[string]int64),
	}
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// SetGauge replaces a gauge value.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = v
}

// Observe records one latency sample for an operation and bumps its count.
func (r *Registry) Observe(op string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[op]
	if !ok {
		h = &histogram{}
		r.histograms[op] = h
	}
	h.observe(ms)
	r.opCounts[op]++
}

// MarkCompleted feeds the rolling completion window behind jobs_per_hour.
func (r *Registry) MarkCompleted(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, at.UTC())
	sort.Slice(r.completions, func(i, j int) bool { return r.completions[i].Before(r.completions[j]) })
	r.evictLocked(time.Now().UTC())
}

// JobsPerHour returns the mean hourly completion rate over the last 24 hours.
func (r *Registry) JobsPerHour() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(time.Now().UTC())
	return float64(len(r.completions)) / completionWindow.Hours()
}

func (r *Registry) evictLocked(now time.Time) {
	cutoff := now.Add(-completionWindow)
	i := 0
	for i < len(r.completions) && r.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.completions = append([]time.Time(nil), r.completions[i:]...)
	}
}

// Snapshot returns an immutable copy of all metrics.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.evictLocked(now)

	snap := Snapshot{
		UptimeSeconds: now.Sub(r.startedAt).Seconds(),
		Counters:      make(map[string]int64, len(r.counters)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		Operations:    make(map[string]OperationStats, len(r.histograms)),
		JobsPerHour:   float64(len(r.completions)) / completionWindow.Hours(),
		TakenAt:       now,
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	for op, h := range r.histograms {
		win := h.window()
		sort.Float64s(win)
		snap.Operations[op] = OperationStats{
			Count: r.opCounts[op],
			P50Ms: percentile(win, 50),
			P95Ms: percentile(win, 95),
			P99Ms: percentile(win, 99),
		}
	}
	return snap
}

// WritePrometheus renders the snapshot in Prometheus text format under the
// given metric prefix. Counters and gauges keep their registry names below
// the prefix; operation windows become <prefix>_<op>_latency_ms summaries.
func (s Snapshot) WritePrometheus(b *strings.Builder, prefix string) {
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		full := prefix + "_" + name
		fmt.Fprintf(b, "# TYPE %s counter\n", full)
		fmt.Fprintf(b, "%s %d\n", full, s.Counters[name])
	}

	names = names[:0]
	for name := range s.Gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		full := prefix + "_" + name
		fmt.Fprintf(b, "# TYPE %s gauge\n", full)
		fmt.Fprintf(b, "%s %g\n", full, s.Gauges[name])
	}

	names = names[:0]
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := s.Operations[name]
		full := prefix + "_" + name + "_latency_ms"
		fmt.Fprintf(b, "# TYPE %s summary\n", full)
		fmt.Fprintf(b, "%s{quantile=\"0.5\"} %g\n", full, op.P50Ms)
		fmt.Fprintf(b, "%s{quantile=\"0.95\"} %g\n", full, op.P95Ms)
		fmt.Fprintf(b, "%s{quantile=\"0.99\"} %g\n", full, op.P99Ms)
		fmt.Fprintf(b, "%s_count %d\n", full, op.Count)
	}

	fmt.Fprintf(b, "# TYPE %s_jobs_per_hour gauge\n", prefix)
	fmt.Fprintf(b, "%s_jobs_per_hour %g\n", prefix, s.JobsPerHour)
	fmt.Fprintf(b, "# TYPE %s_uptime_seconds gauge\n", prefix)
	fmt.Fprintf(b, "%s_uptime_seconds %.0f\n", prefix, s.UptimeSeconds)
}
