package evaluation

import (
	"context"
	"image"
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/seg-eval/dataset"
	"github.com/nvr-ai/seg-eval/inference"
	"github.com/nvr-ai/seg-eval/ledger"
	"github.com/nvr-ai/seg-eval/mask"
	"github.com/nvr-ai/seg-eval/metrics"
	"github.com/nvr-ai/seg-eval/palette"
	"github.com/nvr-ai/seg-eval/profiler"
)

// Recorder stores run history. *ledger.Ledger implements it.
type Recorder interface {
	BeginRun(ctx context.Context, info ledger.RunInfo) (string, error)
	RecordProgress(ctx context.Context, runID string, p ledger.Progress) error
	FinishRun(ctx context.Context, runID string, r ledger.Result) error
}

// Progress is emitted every ReportInterval steps.
type Progress struct {
	Step    int           `json:"step"`
	MeanIoU float64       `json:"mean_iou"`
	Elapsed time.Duration `json:"elapsed"`
}

// Dependencies are the collaborators of an Evaluator.
type Dependencies struct {
	// Source yields the validation samples. Required.
	Source dataset.Source
	// Segmenter is the model under evaluation. Required.
	Segmenter inference.Segmenter
	// Palette colors the visual outputs; nil uses palette.Dressup.
	Palette *palette.Palette
	// Recorder optionally stores the run.
	Recorder Recorder
	// Profiler optionally records stage timings; one is created when nil.
	Profiler *profiler.RuntimeProfiler
	// OnProgress optionally receives progress; it runs on the evaluation goroutine.
	OnProgress func(Progress)
}

// ClassResult is the score of one class.
type ClassResult struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	// Present is false when the class never occurred in truth or prediction;
	// IoU is then 0 and the class is left out of MeanIoU.
	Present bool    `json:"present"`
	IoU     float64 `json:"iou"`
}

// Report is the outcome of a completed run.
type Report struct {
	RunID             string           `json:"run_id"`
	MeanIoU           float64          `json:"mean_iou"`
	ClassIoU          []float64        `json:"-"`
	Classes           []ClassResult    `json:"classes"`
	PixelAccuracy     float64          `json:"pixel_accuracy"`
	MeanClassAccuracy float64          `json:"mean_class_accuracy"`
	Steps             int              `json:"steps"`
	Pixels            uint64           `json:"pixels"`
	Elapsed           time.Duration    `json:"elapsed"`
	BytesWritten      int64            `json:"bytes_written"`
	Profile           profiler.Summary `json:"profile"`
}

// Evaluator runs one evaluation. Create it with New and call Run once.
type Evaluator struct {
	cfg       Config
	deps      Dependencies
	confusion *metrics.Confusion
	prof      *profiler.RuntimeProfiler
	runID     string
	processed int

	mu    sync.RWMutex
	state State
	err   error
}

// New validates the configuration and prepares an all-zero accumulator.
//
// Arguments:
//   - cfg: The run configuration.
//   - deps: The data source, model and optional collaborators.
//
// Returns:
//   - *Evaluator: An evaluator in StateInit.
//   - error: A *ConfigurationError.
func New(cfg Config, deps Dependencies) (*Evaluator, error) {
	if deps.Source == nil {
		return nil, &ConfigurationError{Field: "source", Reason: "a data source is required"}
	}
	if deps.Segmenter == nil {
		return nil, &ConfigurationError{Field: "segmenter", Reason: "a model is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if deps.Palette == nil {
		deps.Palette = palette.Dressup
	}
	if deps.Palette.Len() < cfg.NumClasses {
		return nil, &ConfigurationError{
			Field:  "palette",
			Reason: "has fewer colors than num_classes",
		}
	}

	confusion, err := metrics.NewConfusion(cfg.NumClasses, metrics.WithIgnoreLabel(cfg.ignoreLabel()))
	if err != nil {
		return nil, &ConfigurationError{Field: "num_classes", Reason: "rejected", Err: err}
	}

	prof := deps.Profiler
	if prof == nil {
		prof = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{})
	}

	return &Evaluator{
		cfg:       cfg,
		deps:      deps,
		confusion: confusion,
		prof:      prof,
		runID:     ledger.NewRunID(),
		state:     StateInit,
	}, nil
}

// State returns the current lifecycle state.
func (e *Evaluator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the error that aborted the run, if any.
func (e *Evaluator) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// RunID identifies this run in logs, the ledger and the report.
func (e *Evaluator) RunID() string {
	return e.runID
}

// Confusion exposes the accumulator for inspection.
func (e *Evaluator) Confusion() *metrics.Confusion {
	return e.confusion
}

func (e *Evaluator) transition(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

func (e *Evaluator) abort(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateAborted
	e.err = err
}

// Run evaluates exactly Steps samples.
//
// Each step fetches the next sample, predicts it, adds the prediction to the
// confusion matrix and hands decoding and writing to the writer pool. The
// first failure aborts the run after the prefetcher and writers are stopped
// and joined.
//
// Arguments:
//   - ctx: Checked between steps; cancellation aborts the run with ctx.Err().
//
// Returns:
//   - Report: The final scores.
//   - error: A *DataExhaustedError, *ModelInvocationError, *PersistenceError,
//     a wrapped metrics error, or the context error.
func (e *Evaluator) Run(ctx context.Context) (Report, error) {
	if !e.transition(StateInit, StateRunning) {
		return Report{}, errors.Errorf("evaluator already %s", e.State())
	}
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.begin(ctx)

	prefetch := dataset.NewPrefetcher(e.deps.Source, e.cfg.Prefetch)
	prefetch.Start(runCtx)

	writers := newWriterPool(runCtx, e.cfg, e.deps.Palette, e.prof)

	err := e.loop(runCtx, prefetch, writers, start)

	// Stop the producers, then let the writers finish what they hold.
	prefetch.Stop()
	if werr := writers.Close(); err == nil {
		err = werr
	}

	if err != nil {
		e.abort(err)
		e.finish(ctx, e.partialResult(writers.BytesWritten(), err))
		log.Printf("❌ evaluation %s aborted: %v", e.runID, err)
		return Report{}, err
	}

	e.transition(StateRunning, StateReporting)
	report := e.report(time.Since(start), writers.BytesWritten())
	e.finish(ctx, e.result(report))
	e.transition(StateReporting, StateDone)

	log.Printf("✅ evaluation %s done: %d steps, mean IoU %.3f", e.runID, report.Steps, report.MeanIoU)
	return report, nil
}

func (e *Evaluator) loop(ctx context.Context, prefetch *dataset.Prefetcher, writers *writerPool, start time.Time) error {
	for step := 0; step < e.cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writers.Err(); err != nil {
			return err
		}

		done := e.prof.StartOperation(profiler.OpFetch)
		sample, err := prefetch.Next(ctx)
		done()
		if err != nil {
			if errors.Is(err, dataset.ErrExhausted) {
				return &DataExhaustedError{Processed: step, Requested: e.cfg.Steps}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Wrapf(err, "step %d: fetch", step)
		}

		done = e.prof.StartOperation(profiler.OpPredict)
		prediction, err := e.predict(ctx, sample.Image)
		done()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ModelInvocationError{Step: step, Err: err}
		}

		if e.cfg.ResizeToLabel && !prediction.SameShape(sample.Label) {
			prediction = mask.ResizeNearest(prediction, sample.Label.Height, sample.Label.Width)
		}

		done = e.prof.StartOperation(profiler.OpUpdate)
		err = e.confusion.Update(prediction, sample.Label)
		done()
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		e.processed++

		if err := writers.Submit(ctx, step, prediction); err != nil {
			return err
		}

		if step%e.cfg.ReportInterval == 0 {
			e.progress(ctx, Progress{Step: step, MeanIoU: e.confusion.MeanIoU(), Elapsed: time.Since(start)})
		}
	}
	return nil
}

type predictResult struct {
	masks []mask.Mask
	err   error
}

// predict runs the model on one image, bounded by StepTimeout when set. A
// model call that ignores its context is abandoned at the deadline.
func (e *Evaluator) predict(ctx context.Context, img image.Image) (mask.Mask, error) {
	var masks []mask.Mask
	var err error

	if e.cfg.StepTimeout > 0 {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()

		ch := make(chan predictResult, 1)
		go func() {
			m, err := e.deps.Segmenter.Predict(stepCtx, []image.Image{img})
			ch <- predictResult{m, err}
		}()
		select {
		case r := <-ch:
			masks, err = r.masks, r.err
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				return mask.Mask{}, ctx.Err()
			}
			return mask.Mask{}, errors.Wrapf(stepCtx.Err(), "no prediction within %v", e.cfg.StepTimeout)
		}
	} else {
		masks, err = e.deps.Segmenter.Predict(ctx, []image.Image{img})
	}

	if err != nil {
		return mask.Mask{}, err
	}
	if len(masks) != 1 {
		return mask.Mask{}, errors.Errorf("model returned %d predictions for a batch of 1", len(masks))
	}
	return masks[0], nil
}

func (e *Evaluator) progress(ctx context.Context, p Progress) {
	log.Printf("step %d: mean IoU %.3f (%v)", p.Step, p.MeanIoU, p.Elapsed.Truncate(time.Millisecond))
	e.prof.RecordMetric(profiler.MetricMeanIoU, p.MeanIoU)

	if e.deps.OnProgress != nil {
		e.deps.OnProgress(p)
	}
	if e.deps.Recorder != nil {
		err := e.deps.Recorder.RecordProgress(ctx, e.runID, ledger.Progress{Step: p.Step, MeanIoU: p.MeanIoU, Elapsed: p.Elapsed})
		if err != nil {
			log.Printf("⚠️ ledger: %v", err)
		}
	}
}

func (e *Evaluator) begin(ctx context.Context) {
	if e.deps.Recorder == nil {
		return
	}
	_, err := e.deps.Recorder.BeginRun(ctx, ledger.RunInfo{
		ID:         e.runID,
		ModelPath:  e.cfg.RestoreFrom,
		DataList:   e.cfg.DataList,
		Palette:    e.deps.Palette.Name(),
		NumClasses: e.cfg.NumClasses,
		Steps:      e.cfg.Steps,
	})
	if err != nil {
		log.Printf("⚠️ ledger: %v", err)
	}
}

func (e *Evaluator) finish(ctx context.Context, r ledger.Result) {
	if e.deps.Recorder == nil {
		return
	}
	// record the outcome even when ctx was the reason for aborting
	if err := e.deps.Recorder.FinishRun(context.WithoutCancel(ctx), e.runID, r); err != nil {
		log.Printf("⚠️ ledger: %v", err)
	}
}

func (e *Evaluator) report(elapsed time.Duration, written int64) Report {
	snap := e.confusion.Snapshot()

	classes := make([]ClassResult, len(snap.ClassIoU))
	for i, iou := range snap.ClassIoU {
		classes[i] = ClassResult{Index: i, Name: e.deps.Palette.ClassName(i)}
		if !math.IsNaN(iou) {
			classes[i].Present = true
			classes[i].IoU = iou
		}
	}

	return Report{
		RunID:             e.runID,
		MeanIoU:           snap.MeanIoU,
		ClassIoU:          snap.ClassIoU,
		Classes:           classes,
		PixelAccuracy:     snap.PixelAccuracy,
		MeanClassAccuracy: snap.MeanClassAccuracy,
		Steps:             e.cfg.Steps,
		Pixels:            snap.Pixels,
		Elapsed:           elapsed,
		BytesWritten:      written,
		Profile:           e.prof.Summary(),
	}
}

func (e *Evaluator) result(r Report) ledger.Result {
	names := make([]string, len(r.Classes))
	for i, c := range r.Classes {
		names[i] = c.Name
	}
	return ledger.Result{
		Status:            ledger.StatusDone,
		Steps:             r.Steps,
		Pixels:            r.Pixels,
		MeanIoU:           r.MeanIoU,
		PixelAccuracy:     r.PixelAccuracy,
		MeanClassAccuracy: r.MeanClassAccuracy,
		BytesWritten:      r.BytesWritten,
		ClassIoU:          r.ClassIoU,
		ClassNames:        names,
	}
}

func (e *Evaluator) partialResult(written int64, err error) ledger.Result {
	snap := e.confusion.Snapshot()
	return ledger.Result{
		Status:            ledger.StatusAborted,
		Steps:             e.processed,
		Pixels:            snap.Pixels,
		MeanIoU:           snap.MeanIoU,
		PixelAccuracy:     snap.PixelAccuracy,
		MeanClassAccuracy: snap.MeanClassAccuracy,
		BytesWritten:      written,
		Err:               err,
	}
}
