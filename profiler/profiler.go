// Package profiler times the stages of an evaluation run and tracks custom metrics.
package profiler

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Stage names recorded by the evaluator.
const (
	OpFetch   = "fetch"
	OpPredict = "predict"
	OpUpdate  = "update"
	OpPersist = "persist"

	MetricMeanIoU = "miou"
)

// RuntimeProfiler records operation timings and custom metric samples.
//
// It is safe for concurrent use. Start optionally logs a report on an
// interval until Stop is called.
type RuntimeProfiler struct {
	reportInterval time.Duration
	maxSamples     int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	customMetrics  map[string]*MetricTracker
	operationTimes map[string]*TimeTracker
}

// MetricTracker tracks statistics for a custom metric. Min, max, count and
// last cover every sample; the mean covers the retained window.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	last   float64
	count  int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	window    time.Duration
	total     time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often Start logs a report; 0 disables periodic reports.
	ReportInterval time.Duration
	// MaxSamples specifies the rolling window kept per metric (default: 600)
	MaxSamples int
}

// OperationStats summarizes the timings of one operation.
type OperationStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// MetricStats summarizes the samples of one custom metric.
type MetricStats struct {
	Count int64   `json:"count"`
	Last  float64 `json:"last"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Summary is a snapshot of the profiler.
type Summary struct {
	Uptime     time.Duration             `json:"uptime"`
	Goroutines int                       `json:"goroutines"`
	HeapAlloc  uint64                    `json:"heap_alloc"`
	Operations map[string]OperationStats `json:"operations"`
	Metrics    map[string]MetricStats    `json:"metrics"`
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler
//
// Returns:
//   - *RuntimeProfiler: A profiler; timings are recorded whether or not it is started.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		customMetrics:  make(map[string]*MetricTracker),
		operationTimes: make(map[string]*TimeTracker),
	}
}

// Start begins periodic reporting. It is a no-op when no report interval is
// configured or the profiler is already running.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running || rp.reportInterval <= 0 {
		return
	}
	rp.running = true

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()

		ticker := time.NewTicker(rp.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-rp.ctx.Done():
				return
			case <-ticker.C:
				var b strings.Builder
				rp.Report(&b)
				log.Print(b.String())
			}
		}
	}()
}

// Stop stops periodic reporting and waits for the reporter to return.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	running := rp.running
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	if running {
		rp.wg.Wait()
	}
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric
//   - value: The metric value to record
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.customMetrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		rp.customMetrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > rp.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.last = value
	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track
//
// Returns:
//   - func(): Call when the operation completes.
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the duration of a completed operation.
func (rp *RuntimeProfiler) RecordOperation(name string, duration time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		rp.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.window += duration
	if len(tracker.durations) > rp.maxSamples {
		tracker.window -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.total += duration
	tracker.count++
	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// Summary returns a snapshot of all recorded timings and metrics.
func (rp *RuntimeProfiler) Summary() Summary {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Summary{
		Uptime:     time.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Operations: make(map[string]OperationStats, len(rp.operationTimes)),
		Metrics:    make(map[string]MetricStats, len(rp.customMetrics)),
	}
	for name, t := range rp.operationTimes {
		s.Operations[name] = OperationStats{
			Count: t.count,
			Total: t.total,
			Mean:  t.window / time.Duration(len(t.durations)),
			Min:   t.minTime,
			Max:   t.maxTime,
		}
	}
	for name, m := range rp.customMetrics {
		s.Metrics[name] = MetricStats{
			Count: m.count,
			Last:  m.last,
			Mean:  m.sum / float64(len(m.values)),
			Min:   m.min,
			Max:   m.max,
		}
	}
	return s
}

// Report writes a human-readable report of the current summary.
func (rp *RuntimeProfiler) Report(w io.Writer) {
	s := rp.Summary()

	fmt.Fprintf(w, "📊 profile after %v: %d goroutines, heap %s\n",
		s.Uptime.Truncate(time.Millisecond), s.Goroutines, humanize.Bytes(s.HeapAlloc))

	for _, name := range sortedKeys(s.Operations) {
		op := s.Operations[name]
		fmt.Fprintf(w, "  %-8s avg=%v min=%v max=%v count=%s\n",
			name,
			op.Mean.Truncate(time.Microsecond),
			op.Min.Truncate(time.Microsecond),
			op.Max.Truncate(time.Microsecond),
			humanize.Comma(op.Count))
	}
	for _, name := range sortedKeys(s.Metrics) {
		m := s.Metrics[name]
		fmt.Fprintf(w, "  %-8s last=%.4f avg=%.4f min=%.4f max=%.4f samples=%d\n",
			name, m.Last, m.Mean, m.Min, m.Max, m.Count)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
