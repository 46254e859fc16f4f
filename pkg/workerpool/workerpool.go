// Package workerpool provides a small bounded pool for running per-collector
// jobs concurrently.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
)

const DefaultMaxWorkers = 8

// Job carries one unit of work plus the context it should run under.
type Job[T any] struct {
	Payload     T
	Fn          func(context.Context, T)
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs on a fixed number of worker goroutines.
type Pool[T any] struct {
	jobs          chan Job[T]
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	activeWorkers int32
}

func New[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	p := &Pool[T]{jobs: make(chan Job[T], maxWorkers)}
	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job. It reports false if the pool has been closed.
func (p *Pool[T]) Submit(job Job[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		lg.FromContext(job.Ctx).Warn("worker pool closed, job rejected")
		return false
	}
	p.jobs <- job
	return true
}

// Close stops accepting jobs and blocks until every submitted job finished.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		atomic.AddInt32(&p.activeWorkers, 1)
		p.run(job)
		atomic.AddInt32(&p.activeWorkers, -1)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	job.Fn(ctx, job.Payload)
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
