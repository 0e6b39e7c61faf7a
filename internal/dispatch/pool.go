// Package dispatch owns the bounded worker pool, the notifier client,
// the alert payload, and the delivery retry queue.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

// Pool is a fixed-size worker pool. The submission channel is
// unbuffered, so a saturated pool blocks the submitter instead of
// dropping work. Each worker owns one HTTP client for connection reuse.
type Pool[T any] struct {
	workers int
	jobs    chan T
	wg      sync.WaitGroup
	process func(ctx context.Context, client *http.Client, job T)
}

func NewPool[T any](workers int, process func(ctx context.Context, client *http.Client, job T)) *Pool[T] {
	return &Pool[T]{
		workers: workers,
		jobs:    make(chan T),
		process: process,
	}
}

// Start launches the workers; they exit when the job channel drains
// after Close.
func (p *Pool[T]) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool[T]) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	for job := range p.jobs {
		p.run(ctx, client, job, id)
	}
}

// run isolates one job so a panic kills neither the worker nor the pool.
func (p *Pool[T]) run(ctx context.Context, client *http.Client, job T, id int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic recovered",
				"worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	p.process(ctx, client, job)
}

// Submit hands a job to the pool, blocking while every worker is busy.
// Returns false when ctx is cancelled before a worker takes the job.
func (p *Pool[T]) Submit(ctx context.Context, job T) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops intake and waits for in-flight jobs to finish.
func (p *Pool[T]) Close() {
	close(p.jobs)
	p.wg.Wait()
}
