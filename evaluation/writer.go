package evaluation

import (
	"context"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nvr-ai/seg-eval/mask"
	"github.com/nvr-ai/seg-eval/palette"
	"github.com/nvr-ai/seg-eval/profiler"
)

// VisualPath returns the colored output path of a step.
func VisualPath(dir string, step int) string {
	return filepath.Join(dir, strconv.Itoa(step)+"_vis.png")
}

// RawPath returns the raw class-index output path of a step.
func RawPath(dir string, step int) string {
	return filepath.Join(dir, strconv.Itoa(step)+".png")
}

type persistJob struct {
	step       int
	prediction mask.Mask
}

// writerPool decodes and writes predictions on a fixed number of goroutines.
// After the first failure remaining jobs are drained without being written.
type writerPool struct {
	ctx     context.Context
	dir     string
	visuals bool
	palette *palette.Palette
	prof    *profiler.RuntimeProfiler

	jobs    chan persistJob
	wg      sync.WaitGroup
	written atomic.Int64

	mu     sync.Mutex
	err    error
	closed bool
}

func newWriterPool(ctx context.Context, cfg Config, p *palette.Palette, prof *profiler.RuntimeProfiler) *writerPool {
	w := &writerPool{
		ctx:     ctx,
		dir:     cfg.OutputDir,
		visuals: !cfg.SkipVisuals,
		palette: p,
		prof:    prof,
		jobs:    make(chan persistJob, cfg.Writers),
	}
	for i := 0; i < cfg.Writers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w
}

func (w *writerPool) work() {
	defer w.wg.Done()
	for job := range w.jobs {
		if w.Err() != nil {
			continue
		}
		if err := w.ctx.Err(); err != nil {
			w.fail(err)
			continue
		}
		done := w.prof.StartOperation(profiler.OpPersist)
		err := w.persist(job)
		done()
		if err != nil {
			w.fail(err)
		}
	}
}

func (w *writerPool) persist(job persistJob) error {
	if w.visuals {
		path := VisualPath(w.dir, job.step)
		img := mask.Decode(job.prediction, w.palette)
		if err := w.writeFile(path, func(f io.Writer) error { return png.Encode(f, img) }); err != nil {
			return &PersistenceError{Step: job.step, Path: path, Err: err}
		}
	}

	path := RawPath(w.dir, job.step)
	if err := w.writeFile(path, func(f io.Writer) error { return mask.EncodeRaw(f, job.prediction) }); err != nil {
		return &PersistenceError{Step: job.step, Path: path, Err: err}
	}
	return nil
}

func (w *writerPool) writeFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cw := &countingWriter{w: f}
	if err := encode(cw); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	w.written.Add(cw.n)
	return nil
}

func (w *writerPool) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first persistence failure.
func (w *writerPool) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Submit queues a prediction, blocking while every writer is busy.
func (w *writerPool) Submit(ctx context.Context, step int, prediction mask.Mask) error {
	if err := w.Err(); err != nil {
		return err
	}
	select {
	case w.jobs <- persistJob{step: step, prediction: prediction}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, waits for the writers and returns the first failure.
func (w *writerPool) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.Err()
}

// BytesWritten returns the total size of the files written so far.
func (w *writerPool) BytesWritten() int64 {
	return w.written.Load()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
