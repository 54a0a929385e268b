// Package work runs background tasks on a fixed number of goroutines.
//
// A Pool is started and stopped with the process. Stop drains tasks that were
// already accepted; cancelling the Start context tells running tasks to give
// up early.
package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrPoolStopped = errors.New("work pool is stopped")
	ErrQueueFull   = errors.New("work queue is full")
)

// Task is one unit of work. Name is used for logging only.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"active"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Panicked  int64  `json:"panicked"`
}

type Pool struct {
	name    string
	workers int
	logger  zerolog.Logger

	queue chan Task

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending sync.WaitGroup

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a pool with workers goroutines and a queue of queueSize
// accepted-but-not-started tasks.
func NewPool(name string, workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	return &Pool{
		name:    name,
		workers: workers,
		logger:  logger.With().Str("component", "work").Str("pool", name).Logger(),
		queue:   make(chan Task, queueSize),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug().Int("workers", p.workers).Msg("work pool started")
}

// Stop refuses new tasks, waits for queued tasks to finish and releases the
// workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
		p.cancel()
	}
	p.logger.Debug().
		Int64("submitted", p.submitted.Load()).
		Int64("completed", p.completed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("work pool stopped")
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	p.pending.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	p.pending.Add(1)
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.pending.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every accepted task has finished. Tasks submitted while
// waiting are waited for too.
func (p *Pool) Wait() {
	p.pending.Wait()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Queued:    len(p.queue),
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(workerID int, task Task) {
	defer p.pending.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	started := time.Now()
	err := p.runSafely(task)
	elapsed := time.Since(started)

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn().
			Err(err).
			Int("worker", workerID).
			Str("task", task.Name).
			Dur("duration", elapsed).
			Msg("task failed")
		return
	}
	p.completed.Add(1)
	p.logger.Debug().
		Int("worker", workerID).
		Str("task", task.Name).
		Dur("duration", elapsed).
		Msg("task completed")
}

func (p *Pool) runSafely(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = fmt.Errorf("task %q panicked: %v", task.Name, r)
		}
	}()
	return task.Run(p.ctx)
}
