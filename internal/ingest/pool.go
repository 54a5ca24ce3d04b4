// ABOUTME: Bounded worker pool gating pipeline concurrency and async follow-up tasks
// ABOUTME: A full pool rejects new sends with ErrBackpressure instead of queueing unbounded

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBackpressure is returned when send capacity is exhausted. The caller's
// message was not accepted; retrying later is safe.
var ErrBackpressure = errors.New("backpressure: send capacity exhausted")

const (
	// DefaultWorkers bounds concurrent broker sends per process.
	DefaultWorkers = 32
	// DefaultQueueDepth bounds queued follow-up tasks (fan-out, status updates).
	DefaultQueueDepth = 1024
)

// Pool holds send permits and runs queued follow-up tasks on a fixed set of
// workers. Permits apply backpressure at admission; the task queue absorbs
// async work that must not block the send path.
type Pool struct {
	permits chan struct{}
	tasks   chan func()
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// NewPool creates a pool with the given permit count and task queue depth.
// Non-positive values select the defaults.
func NewPool(workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		permits: make(chan struct{}, workers),
		tasks:   make(chan func(), queueDepth),
		logger:  logger.With("component", "ingest.pool"),
	}
}

// Start launches the task workers. They drain the queue until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	workers := cap(p.permits)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task()
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Acquire takes a send permit without blocking.
func (p *Pool) Acquire() error {
	select {
	case p.permits <- struct{}{}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Release returns a send permit.
func (p *Pool) Release() {
	<-p.permits
}

// Submit queues an async task. When the queue is full the task runs inline:
// follow-up work is never dropped, it just stops being asynchronous.
func (p *Pool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		p.logger.Warn("task queue full, running inline")
		task()
	}
}

// Stop closes the queue and waits for workers to finish the remaining tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.tasks)
	p.wg.Wait()
}
