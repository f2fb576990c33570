// Package benchmark - Throughput and latency measurements of segmenters.
package benchmark

import (
	"context"
	"image"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/seg-eval/images"
	"github.com/nvr-ai/seg-eval/inference"
)

// Factory builds a segmenter for a model input configuration. Segmenters that
// implement io.Closer are closed when their scenario ends.
type Factory func(input images.InputConfig) (inference.Segmenter, error)

// PerformanceMetrics captures the outcome of one scenario.
type PerformanceMetrics struct {
	Scenario        Scenario      `json:"scenario"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalDuration   time.Duration `json:"total_duration"`
	MeanLatency     time.Duration `json:"mean_latency"`
	P50Latency      time.Duration `json:"p50_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
	FramesPerSecond float64       `json:"frames_per_second"`
	MemoryStats     MemoryMetrics `json:"memory_stats"`
	NumCPU          int           `json:"num_cpu"`
	// ClassesSeen is the number of distinct classes predicted over all iterations.
	ClassesSeen int     `json:"classes_seen"`
	ErrorRate   float64 `json:"error_rate"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// Suite runs scenarios against segmenters built by a Factory over a fixed
// image corpus.
type Suite struct {
	factory Factory
	corpus  []image.Image

	mu        sync.RWMutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a benchmark suite.
//
// Arguments:
//   - factory: Builds the segmenter of each scenario.
//   - corpus: The images fed to the segmenter in round robin.
//
// Returns:
//   - *Suite: A suite without scenarios.
func NewSuite(factory Factory, corpus []image.Image) *Suite {
	return &Suite{factory: factory, corpus: corpus}
}

// AddScenario adds a test scenario to the benchmark suite
func (s *Suite) AddScenario(scenario Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, scenario)
}

// Scenarios returns the configured scenarios.
func (s *Suite) Scenarios() []Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Scenario(nil), s.scenarios...)
}

// RunScenario executes a single benchmark scenario.
//
// Failed predictions count towards ErrorRate; warmup failures are ignored.
//
// Arguments:
//   - ctx: Cancels the scenario between iterations.
//   - scenario: The scenario to run.
//
// Returns:
//   - PerformanceMetrics: The measurements.
//   - error: An error if the segmenter cannot be built or ctx is cancelled.
func (s *Suite) RunScenario(ctx context.Context, scenario Scenario) (PerformanceMetrics, error) {
	if len(s.corpus) == 0 {
		return PerformanceMetrics{}, errors.New("benchmark corpus is empty")
	}
	if scenario.Iterations <= 0 {
		return PerformanceMetrics{}, errors.Errorf("scenario %s: iterations must be positive", scenario.Name)
	}

	seg, err := s.factory(scenario.Input())
	if err != nil {
		return PerformanceMetrics{}, errors.Wrapf(err, "scenario %s", scenario.Name)
	}
	if c, ok := seg.(io.Closer); ok {
		defer c.Close()
	}

	for i := 0; i < scenario.WarmupRuns; i++ {
		_, _ = seg.Predict(ctx, []image.Image{s.corpus[i%len(s.corpus)]})
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	metrics := PerformanceMetrics{
		Scenario:  scenario,
		Timestamp: time.Now(),
		NumCPU:    runtime.NumCPU(),
	}

	latencies := make([]time.Duration, 0, scenario.Iterations)
	classes := make(map[int32]struct{})
	failures := 0

	start := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return PerformanceMetrics{}, err
		}

		t := time.Now()
		masks, err := seg.Predict(ctx, []image.Image{s.corpus[i%len(s.corpus)]})
		latencies = append(latencies, time.Since(t))
		if err != nil {
			failures++
			continue
		}
		for _, m := range masks {
			for _, v := range m.Pix {
				classes[v] = struct{}{}
			}
		}
	}
	metrics.TotalDuration = time.Since(start)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	metrics.FramesPerSecond = float64(scenario.Iterations) / metrics.TotalDuration.Seconds()
	metrics.MeanLatency, metrics.P50Latency, metrics.P95Latency = latencyStats(latencies)
	metrics.ClassesSeen = len(classes)
	metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
	}

	return metrics, nil
}

// RunAll executes every scenario in order and keeps the results of those
// that succeed. The first scenario error is returned after all have run.
func (s *Suite) RunAll(ctx context.Context) error {
	var first error
	for _, scenario := range s.Scenarios() {
		m, err := s.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if first == nil {
				first = err
			}
			continue
		}

		s.mu.Lock()
		s.results = append(s.results, m)
		s.mu.Unlock()
	}
	return first
}

// Results returns all benchmark results
func (s *Suite) Results() []PerformanceMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PerformanceMetrics(nil), s.results...)
}

func latencyStats(latencies []time.Duration) (mean, p50, p95 time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	return total / time.Duration(len(sorted)), percentile(sorted, 0.50), percentile(sorted, 0.95)
}

// percentile uses the nearest rank of an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
