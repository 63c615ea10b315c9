// Package workerpool runs blocking work (database calls, history loads) off
// the session goroutines with a hard bound on concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pscheid92/minicom/internal/metrics"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of blocking work.
type Task func(ctx context.Context) (any, error)

type Pool struct {
	size int64
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// base is cancelled by Close so tasks can observe shutdown.
	base   context.Context
	cancel context.CancelFunc
}

func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		base:   base,
		cancel: cancel,
	}
}

// Size returns the maximum number of concurrently running tasks.
func (p *Pool) Size() int { return int(p.size) }

// Future is the pending result of a submitted task.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the task finishes or ctx is done. A ctx timeout does not
// cancel the task itself.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit blocks until a slot is free, then starts task on its own goroutine.
// The task's context is cancelled when either ctx or the pool is done.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		metrics.WorkerPoolTasksTotal.WithLabelValues("rejected").Inc()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		metrics.WorkerPoolTasksTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}

	f := &Future{done: make(chan struct{})}
	taskCtx, cancel := mergeCancel(ctx, p.base)
	metrics.WorkerPoolInFlight.Inc()

	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("worker task panicked: %v", r)
				slog.Error("Worker task panicked", "panic", r)
			}
			cancel()
			metrics.WorkerPoolInFlight.Dec()
			metrics.WorkerPoolTaskDuration.Observe(time.Since(start).Seconds())
			if f.err != nil {
				metrics.WorkerPoolTasksTotal.WithLabelValues("error").Inc()
			} else {
				metrics.WorkerPoolTasksTotal.WithLabelValues("ok").Inc()
			}
			p.sem.Release(1)
			close(f.done)
			p.wg.Done()
		}()
		f.value, f.err = task(taskCtx)
	}()

	return f, nil
}

// Do submits task and waits for its result.
func (p *Pool) Do(ctx context.Context, task Task) (any, error) {
	f, err := p.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Close stops accepting tasks and waits for in-flight ones until ctx is done.
// Running tasks see their context cancelled once ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool drain: %w", ctx.Err())
	}
}

// mergeCancel derives a context from ctx that is also cancelled with other.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
