// Package workerpool bounds the amount of concurrent request handling
// work in flight, replacing an unbounded goroutine-per-event dispatch
// with a fixed number of workers draining a capped queue.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Pool dispatches submitted jobs to a fixed number of worker goroutines
// through a bounded channel. When the queue is full, Submit drops the
// job rather than blocking the caller, so a burst of events can never
// grow unbounded memory or goroutine count.
type Pool struct {
	jobs    chan func(context.Context)
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	onDrop  func()
	workers int
}

// New creates a Pool with the given number of workers and queue
// capacity, and starts the workers immediately. onDrop, if non-nil, is
// called whenever Submit drops a job because the queue is full.
func New(workers, queueCapacity int, onDrop func()) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:    make(chan func(context.Context), queueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		onDrop:  onDrop,
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}

	return p
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if p.ctx.Err() != nil {
				return
			}
			job(p.ctx)
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues job for execution by a worker. It returns true if the
// job was enqueued, or false if the queue was full and the job was
// dropped.
func (p *Pool) Submit(job func(context.Context)) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		slog.Warn("Worker pool queue full, dropping job", "queue_capacity", cap(p.jobs))
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

// QueueLen returns the number of jobs currently waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobs)
}

// Stop cancels all in-flight and queued work and waits for workers to
// exit. Jobs still sitting in the channel buffer are discarded.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
