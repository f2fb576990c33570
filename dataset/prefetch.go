package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// PrefetchOptions configures a Prefetcher.
type PrefetchOptions struct {
	// Capacity is the number of samples that may be decoded ahead of the consumer (default: 4).
	Capacity int `json:"capacity" yaml:"capacity"`
	// Workers is the number of samples decoded concurrently (default: 2).
	Workers int `json:"workers" yaml:"workers"`
	// Limit stops production after this many samples; 0 means the whole source.
	Limit int `json:"limit" yaml:"limit"`
}

// pending is a sample that has been scheduled but may not be decoded yet.
type pending struct {
	index  int
	done   chan struct{}
	sample Sample
	err    error
}

// Prefetcher decodes samples in the background into a bounded queue and
// hands them out strictly in source order.
//
// Producers are started with Start and must be released with Stop, which
// cancels them and waits until every background goroutine has returned.
type Prefetcher struct {
	src  Source
	opts PrefetchOptions

	mu      sync.Mutex
	queue   chan *pending
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewPrefetcher creates a prefetcher over src.
//
// Arguments:
//   - src: The source to read.
//   - opts: Queue capacity and worker count; zero values pick defaults.
//
// Returns:
//   - *Prefetcher: A prefetcher that has not been started.
func NewPrefetcher(src Source, opts PrefetchOptions) *Prefetcher {
	if opts.Capacity <= 0 {
		opts.Capacity = 4
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	return &Prefetcher{src: src, opts: opts}
}

// Start launches the producers. Calling Start more than once is a no-op.
func (p *Prefetcher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan *pending, p.opts.Capacity)

	p.wg.Add(1)
	go p.dispatch(p.ctx)
}

// dispatch schedules samples in order and keeps at most Workers loads in flight.
func (p *Prefetcher) dispatch(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.queue)

	total := p.src.Len()
	if p.opts.Limit > 0 && p.opts.Limit < total {
		total = p.opts.Limit
	}

	sem := make(chan struct{}, p.opts.Workers)
	for i := 0; i < total; i++ {
		item := &pending{index: i, done: make(chan struct{})}

		select {
		case p.queue <- item:
		case <-ctx.Done():
			return
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			item.err = ctx.Err()
			close(item.done)
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-sem }()

			item.sample, item.err = p.src.Load(ctx, item.index)
			close(item.done)
		}()
	}
}

// Next blocks until the next sample in order is decoded.
//
// Arguments:
//   - ctx: Cancels the wait.
//
// Returns:
//   - Sample: The next sample.
//   - error: ErrExhausted after the last sample, the load error of the
//     sample, or the context error.
func (p *Prefetcher) Next(ctx context.Context) (Sample, error) {
	p.mu.Lock()
	queue, produceCtx := p.queue, p.ctx
	p.mu.Unlock()

	if queue == nil {
		return Sample{}, errors.New("prefetcher not started")
	}

	select {
	case item, ok := <-queue:
		if !ok {
			if err := produceCtx.Err(); err != nil {
				return Sample{}, err
			}
			return Sample{}, ErrExhausted
		}
		select {
		case <-item.done:
			if item.err != nil {
				return Sample{}, errors.Wrapf(item.err, "load sample %d", item.index)
			}
			return item.sample, nil
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		}
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// Stop cancels the producers and waits for them to return. It is safe to
// call Stop more than once, and before Start.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}
