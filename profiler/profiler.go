// Package profiler - Pipeline stage timing and counters, exported to Prometheus.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the Prometheus vectors shared by every feed's profiler.
type Collectors struct {
	stageSeconds *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

// NewCollectors creates the metric vectors and registers them.
//
// Arguments:
//   - reg: The registry to register with, nil to skip registration.
//
// Returns:
//   - *Collectors: The collectors.
//   - error: An error if registration fails.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dronewatch",
			Name:      "stage_seconds",
			Help:      "Duration of detection pipeline stages.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"feed", "stage"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dronewatch",
			Name:      "events_total",
			Help:      "Scheduler tick outcomes and pipeline events.",
		}, []string{"feed", "event"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.stageSeconds, c.events} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// TimeTracker tracks timing statistics of one operation over a bounded window.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// OperationStats is a snapshot of a TimeTracker.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Stats is a snapshot of a profiler.
type Stats struct {
	Operations []OperationStats `json:"operations"`
	Counters   map[string]int64 `json:"counters"`
}

// Profiler records stage timings and event counts for one feed.
type Profiler struct {
	feed       string
	maxSamples int
	collectors *Collectors

	mu         sync.Mutex
	operations map[string]*TimeTracker
	counters   map[string]int64
}

// New creates a profiler.
//
// Arguments:
//   - feed: The feed label attached to exported metrics.
//   - collectors: Shared Prometheus collectors, nil to keep statistics local.
//   - maxSamples: The rolling window per operation, 0 for 600.
//
// Returns:
//   - *Profiler: The profiler.
func New(feed string, collectors *Collectors, maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 600
	}
	return &Profiler{
		feed:       feed,
		maxSamples: maxSamples,
		collectors: collectors,
		operations: make(map[string]*TimeTracker),
		counters:   make(map[string]int64),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the duration of a completed operation.
func (p *Profiler) RecordOperation(name string, d time.Duration) {
	if p == nil {
		return
	}
	if p.collectors != nil {
		p.collectors.stageSeconds.WithLabelValues(p.feed, name).Observe(d.Seconds())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.operations[name]
	if !ok {
		tracker = &TimeTracker{minTime: d, maxTime: d}
		p.operations[name] = tracker
	}
	tracker.durations = append(tracker.durations, d)
	tracker.totalTime += d
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	if d < tracker.minTime {
		tracker.minTime = d
	}
	if d > tracker.maxTime {
		tracker.maxTime = d
	}
}

// RecordEvent increments the counter of an event.
func (p *Profiler) RecordEvent(name string) {
	if p == nil {
		return
	}
	if p.collectors != nil {
		p.collectors.events.WithLabelValues(p.feed, name).Inc()
	}
	p.mu.Lock()
	p.counters[name]++
	p.mu.Unlock()
}

// GetCurrentStats returns a snapshot of the recorded statistics. Operations
// are sorted by name.
func (p *Profiler) GetCurrentStats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Operations: make([]OperationStats, 0, len(p.operations)),
		Counters:   make(map[string]int64, len(p.counters)),
	}
	for name, t := range p.operations {
		s := OperationStats{Name: name, Count: t.count, Min: t.minTime, Max: t.maxTime}
		if n := len(t.durations); n > 0 {
			s.Avg = t.totalTime / time.Duration(n)
		}
		stats.Operations = append(stats.Operations, s)
	}
	sort.Slice(stats.Operations, func(i, j int) bool {
		return stats.Operations[i].Name < stats.Operations[j].Name
	})
	for name, v := range p.counters {
		stats.Counters[name] = v
	}
	return stats
}
