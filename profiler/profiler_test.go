package profiler

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{MaxSamples: 2})

	rp.RecordOperation(OpPredict, 10*time.Millisecond)
	rp.RecordOperation(OpPredict, 30*time.Millisecond)
	rp.RecordOperation(OpPredict, 50*time.Millisecond)

	op := rp.Summary().Operations[OpPredict]
	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, 90*time.Millisecond, op.Total)
	// the mean covers the last two samples only
	assert.Equal(t, 40*time.Millisecond, op.Mean)
	assert.Equal(t, 10*time.Millisecond, op.Min)
	assert.Equal(t, 50*time.Millisecond, op.Max)
}

func TestStartOperation(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	done := rp.StartOperation(OpFetch)
	time.Sleep(time.Millisecond)
	done()

	op, ok := rp.Summary().Operations[OpFetch]
	require.True(t, ok)
	assert.Equal(t, int64(1), op.Count)
	assert.GreaterOrEqual(t, op.Total, time.Millisecond)
}

func TestRecordMetric(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	for _, v := range []float64{0.2, 0.6, 0.4} {
		rp.RecordMetric(MetricMeanIoU, v)
	}

	m := rp.Summary().Metrics[MetricMeanIoU]
	assert.Equal(t, int64(3), m.Count)
	assert.InDelta(t, 0.4, m.Last, 1e-12)
	assert.InDelta(t, 0.4, m.Mean, 1e-12)
	assert.InDelta(t, 0.2, m.Min, 1e-12)
	assert.InDelta(t, 0.6, m.Max, 1e-12)
}

func TestReport(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	rp.RecordOperation(OpUpdate, time.Millisecond)
	rp.RecordOperation(OpPersist, 2*time.Millisecond)
	rp.RecordMetric(MetricMeanIoU, 0.5)

	var b strings.Builder
	rp.Report(&b)
	out := b.String()

	assert.Contains(t, out, "profile after")
	assert.Less(t, strings.Index(out, OpPersist), strings.Index(out, OpUpdate))
	assert.Contains(t, out, "last=0.5000")
}

func TestConcurrentRecording(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rp.RecordOperation(OpPersist, time.Microsecond)
				rp.RecordMetric(MetricMeanIoU, 1)
			}
		}()
	}
	wg.Wait()

	s := rp.Summary()
	assert.Equal(t, int64(800), s.Operations[OpPersist].Count)
	assert.Equal(t, int64(800), s.Metrics[MetricMeanIoU].Count)
}

func TestStartStop(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{ReportInterval: time.Millisecond})
	rp.Start()
	rp.Start()
	time.Sleep(5 * time.Millisecond)
	rp.Stop()
	rp.Stop()

	// no interval: Start is a no-op and Stop returns at once
	quiet := NewRuntimeProfiler(ProfilingOptions{})
	quiet.Start()
	quiet.Stop()
}
