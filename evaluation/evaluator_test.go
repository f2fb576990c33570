package evaluation

import (
	"context"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/seg-eval/dataset"
	"github.com/nvr-ai/seg-eval/inference"
	"github.com/nvr-ai/seg-eval/ledger"
	"github.com/nvr-ai/seg-eval/mask"
	"github.com/nvr-ai/seg-eval/metrics"
	"github.com/nvr-ai/seg-eval/palette"
	"github.com/nvr-ai/seg-eval/profiler"
)

// grayOf encodes the class indices of m as the intensities of an image, so
// an echoing model can read the intended prediction back.
func grayOf(m mask.Mask) *image.Gray {
	img := image.NewGray(m.Bounds())
	for i, v := range m.Pix {
		if v > 255 || v < 0 {
			v = 0
		}
		img.Pix[i] = uint8(v)
	}
	return img
}

// echo predicts whatever class index each image pixel holds.
var echo = inference.SegmenterFunc(func(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
	out := make([]mask.Mask, len(batch))
	for i, img := range batch {
		out[i] = mask.FromImage(img)
	}
	return out, nil
})

// samples builds n samples whose prediction equals their label.
func samples(n int, rows [][]int32) dataset.SliceSource {
	src := make(dataset.SliceSource, n)
	for i := range src {
		label := mask.MustFromRows(rows)
		src[i] = dataset.Sample{Image: grayOf(label), Label: label}
	}
	return src
}

func testConfig(t *testing.T, steps int) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RestoreFrom = "model-1000.onnx"
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Steps = steps
	cfg.NumClasses = 3
	return cfg
}

func TestRunPerfectPrediction(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.ReportInterval = 2

	var progress []Progress
	e, err := New(cfg, Dependencies{
		Source:     samples(3, [][]int32{{0, 1}, {1, 0}}),
		Segmenter:  echo,
		OnProgress: func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, StateInit, e.State())
	assert.NotEmpty(t, e.RunID())

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, e.State())
	assert.NoError(t, e.Err())
	assert.Equal(t, e.RunID(), report.RunID)
	assert.Equal(t, 3, report.Steps)
	assert.Equal(t, uint64(12), report.Pixels)
	assert.InDelta(t, 1.0, report.MeanIoU, 1e-9)
	assert.InDelta(t, 1.0, report.PixelAccuracy, 1e-9)

	require.Len(t, report.Classes, 3)
	assert.True(t, report.Classes[0].Present)
	assert.True(t, report.Classes[1].Present)
	assert.False(t, report.Classes[2].Present)
	assert.Equal(t, palette.Dressup.ClassName(1), report.Classes[1].Name)
	assert.Positive(t, report.BytesWritten)
	assert.Equal(t, int64(3), report.Profile.Operations[profiler.OpPredict].Count)

	require.Len(t, progress, 2)
	assert.Equal(t, 0, progress[0].Step)
	assert.Equal(t, 2, progress[1].Step)

	for step := 0; step < 3; step++ {
		assert.FileExists(t, VisualPath(cfg.OutputDir, step))

		f, err := os.Open(RawPath(cfg.OutputDir, step))
		require.NoError(t, err)
		raw, err := mask.DecodeRaw(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 1, 1, 0}, raw.Pix)
	}
}

func TestProgressEveryHundredSteps(t *testing.T) {
	cfg := testConfig(t, 250)
	cfg.ReportInterval = 0
	cfg.SkipVisuals = true

	var steps []int
	e, err := New(cfg, Dependencies{
		Source:     samples(250, [][]int32{{1}}),
		Segmenter:  echo,
		OnProgress: func(p Progress) { steps = append(steps, p.Step) },
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100, 200}, steps)
}

func TestIgnoredPixelsAreNotScored(t *testing.T) {
	cfg := testConfig(t, 1)

	label := mask.MustFromRows([][]int32{{0, 255}, {255, 1}})
	pred := mask.MustFromRows([][]int32{{0, 2}, {2, 1}})
	src := dataset.SliceSource{{Image: grayOf(pred), Label: label}}

	e, err := New(cfg, Dependencies{Source: src, Segmenter: echo})
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Pixels)
	assert.InDelta(t, 1.0, report.MeanIoU, 1e-9)
	assert.False(t, report.Classes[2].Present)
}

func TestDataExhausted(t *testing.T) {
	cfg := testConfig(t, 5)
	cfg.SkipVisuals = true

	e, err := New(cfg, Dependencies{Source: samples(2, [][]int32{{0}}), Segmenter: echo})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.Error(t, err)

	var exhausted *DataExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Processed)
	assert.Equal(t, 5, exhausted.Requested)
	assert.True(t, errors.Is(err, dataset.ErrExhausted))

	assert.Equal(t, StateAborted, e.State())
	assert.Equal(t, err, e.Err())

	assert.FileExists(t, RawPath(cfg.OutputDir, 0))
	assert.FileExists(t, RawPath(cfg.OutputDir, 1))
	assert.NoFileExists(t, RawPath(cfg.OutputDir, 2))
}

func TestModelInvocationError(t *testing.T) {
	cfg := testConfig(t, 4)
	boom := errors.New("boom")

	var calls atomic.Int32
	failing := inference.SegmenterFunc(func(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
		if calls.Add(1) == 2 {
			return nil, boom
		}
		return echo(ctx, batch)
	})

	e, err := New(cfg, Dependencies{Source: samples(4, [][]int32{{0}}), Segmenter: failing})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	var invocation *ModelInvocationError
	require.True(t, errors.As(err, &invocation))
	assert.Equal(t, 1, invocation.Step)
	assert.True(t, errors.Is(err, boom))
	assert.NoFileExists(t, RawPath(cfg.OutputDir, 1))
}

func TestWrongBatchSize(t *testing.T) {
	cfg := testConfig(t, 1)
	empty := inference.SegmenterFunc(func(context.Context, []image.Image) ([]mask.Mask, error) {
		return nil, nil
	})

	e, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{0}}), Segmenter: empty})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	var invocation *ModelInvocationError
	assert.True(t, errors.As(err, &invocation))
}

func TestShapeMismatch(t *testing.T) {
	small := inference.SegmenterFunc(func(context.Context, []image.Image) ([]mask.Mask, error) {
		return []mask.Mask{mask.MustFromRows([][]int32{{1}})}, nil
	})
	rows := [][]int32{{1, 1}, {1, 1}}

	t.Run("fails by default", func(t *testing.T) {
		cfg := testConfig(t, 1)
		e, err := New(cfg, Dependencies{Source: samples(1, rows), Segmenter: small})
		require.NoError(t, err)

		_, err = e.Run(context.Background())
		assert.True(t, errors.Is(err, metrics.ErrShapeMismatch))
		assert.Equal(t, StateAborted, e.State())
	})

	t.Run("resized to the label", func(t *testing.T) {
		cfg := testConfig(t, 1)
		cfg.ResizeToLabel = true
		e, err := New(cfg, Dependencies{Source: samples(1, rows), Segmenter: small})
		require.NoError(t, err)

		report, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(4), report.Pixels)
		assert.InDelta(t, 1.0, report.MeanIoU, 1e-9)
	})
}

func TestPredictionOutOfRange(t *testing.T) {
	cfg := testConfig(t, 1)
	label := mask.MustFromRows([][]int32{{0}})
	src := dataset.SliceSource{{Image: grayOf(mask.MustFromRows([][]int32{{7}})), Label: label}}

	e, err := New(cfg, Dependencies{Source: src, Segmenter: echo})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.True(t, errors.Is(err, metrics.ErrPredictionOutOfRange))
	assert.Equal(t, uint64(0), e.Confusion().Pixels())
}

func TestPersistenceError(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.SkipVisuals = true
	require.NoError(t, os.MkdirAll(RawPath(cfg.OutputDir, 0), 0o755))

	e, err := New(cfg, Dependencies{Source: samples(3, [][]int32{{0}}), Segmenter: echo})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	var persist *PersistenceError
	require.True(t, errors.As(err, &persist))
	assert.Equal(t, 0, persist.Step)
	assert.Equal(t, RawPath(cfg.OutputDir, 0), persist.Path)
	assert.Equal(t, StateAborted, e.State())
}

func TestSkipVisuals(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.SkipVisuals = true

	e, err := New(cfg, Dependencies{Source: samples(2, [][]int32{{2}}), Segmenter: echo})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, RawPath(cfg.OutputDir, 1))
	assert.NoFileExists(t, VisualPath(cfg.OutputDir, 1))
}

func TestVisualUsesPalette(t *testing.T) {
	cfg := testConfig(t, 1)
	p := palette.MustNew("test", []color.RGBA{{10, 20, 30, 255}, {40, 50, 60, 255}, {70, 80, 90, 255}}, nil)

	e, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{2}}), Segmenter: echo, Palette: p})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	f, err := os.Open(VisualPath(cfg.OutputDir, 0))
	require.NoError(t, err)
	defer f.Close()
	img, _, err := image.Decode(f)
	require.NoError(t, err)

	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, []uint32{70, 80, 90}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestCancelledBeforeRun(t *testing.T) {
	cfg := testConfig(t, 3)
	e, err := New(cfg, Dependencies{Source: samples(3, [][]int32{{0}}), Segmenter: echo})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateAborted, e.State())
	assert.Equal(t, uint64(0), e.Confusion().Pixels())
}

func TestCancelledMidRun(t *testing.T) {
	cfg := testConfig(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	cancelling := inference.SegmenterFunc(func(c context.Context, batch []image.Image) ([]mask.Mask, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return echo(c, batch)
	})

	e, err := New(cfg, Dependencies{Source: samples(100, [][]int32{{0}}), Segmenter: cancelling})
	require.NoError(t, err)

	_, err = e.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateAborted, e.State())
	assert.Less(t, calls.Load(), int32(100))
}

func TestStepTimeout(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.StepTimeout = 20 * time.Millisecond

	slow := inference.SegmenterFunc(func(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	e, err := New(cfg, Dependencies{Source: samples(2, [][]int32{{0}}), Segmenter: slow})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	var invocation *ModelInvocationError
	require.True(t, errors.As(err, &invocation))
	assert.Equal(t, 0, invocation.Step)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStepTimeoutAbandonsBlockedModel(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.StepTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	returned := make(chan struct{})
	stuck := inference.SegmenterFunc(func(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
		defer close(returned)
		<-release
		return nil, nil
	})

	e, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{0}}), Segmenter: stuck})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateAborted, e.State())

	select {
	case <-returned:
		t.Fatal("model call returned before it was released")
	default:
	}
	close(release)
	<-returned
}

func TestRunTwice(t *testing.T) {
	cfg := testConfig(t, 1)
	e, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{0}}), Segmenter: echo})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDone, e.State())
}

func TestLedgerRecordsRun(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t, 4)
	cfg.ReportInterval = 2
	cfg.DataList = "val.txt"

	e, err := New(cfg, Dependencies{
		Source:    samples(4, [][]int32{{0, 1}}),
		Segmenter: echo,
		Recorder:  l,
	})
	require.NoError(t, err)

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	run, err := l.Run(ctx, e.RunID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDone, run.Status)
	assert.Equal(t, "model-1000.onnx", run.ModelPath)
	assert.Equal(t, "val.txt", run.DataList)
	assert.Equal(t, "dressup", run.Palette)
	assert.Equal(t, 4, run.Steps)
	assert.InDelta(t, report.MeanIoU, run.MeanIoU, 1e-9)
	assert.Equal(t, report.BytesWritten, run.BytesWritten)

	progress, err := l.Progress(ctx, e.RunID())
	require.NoError(t, err)
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].Step)

	classes, err := l.ClassIoU(ctx, e.RunID())
	require.NoError(t, err)
	require.Len(t, classes, 3)
	assert.True(t, classes[0].Valid)
	assert.False(t, classes[2].Valid)
}

func TestLedgerRecordsAbort(t *testing.T) {
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t, 3)
	e, err := New(cfg, Dependencies{Source: samples(1, [][]int32{{0}}), Segmenter: echo, Recorder: l})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.Error(t, err)

	run, err := l.Run(context.Background(), e.RunID())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAborted, run.Status)
	assert.Equal(t, 1, run.Steps)
	assert.Contains(t, run.Error, "data exhausted")
}

func TestStateReadableDuringRun(t *testing.T) {
	cfg := testConfig(t, 20)
	cfg.SkipVisuals = true

	var seen []State
	var mu sync.Mutex
	var e *Evaluator
	observing := inference.SegmenterFunc(func(ctx context.Context, batch []image.Image) ([]mask.Mask, error) {
		mu.Lock()
		seen = append(seen, e.State())
		mu.Unlock()
		return echo(ctx, batch)
	})

	var err error
	e, err = New(cfg, Dependencies{Source: samples(20, [][]int32{{0}}), Segmenter: observing})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for _, s := range seen {
		assert.Equal(t, StateRunning, s)
	}
}
