package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Task is a unit of work run by the pool.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines. Delayed and periodic
// tasks are fed into the same queue, so the worker count bounds all
// background work.
type Pool struct {
	size   int
	queue  chan Task
	logger *zap.Logger

	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	timers  map[*time.Timer]struct{}
}

func NewPool(size, queueSize int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		size:   size,
		queue:  make(chan Task, queueSize),
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.size; i++ {
		p.group.Go(p.work)
	}

	p.logger.Info("Worker pool started", zap.Int("workers", p.size))
}

// Stop cancels pending timers, stops the workers and waits for running
// tasks to return. Queued tasks that have not started are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	p.cancel()
	p.mu.Unlock()

	_ = p.group.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case task := <-p.queue:
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	task(p.ctx)
}

// Submit queues a task. It blocks while the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	ctx := p.ctx
	p.mu.Unlock()

	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ErrPoolStopped
	}
}

// Schedule queues the task once delay has elapsed.
func (p *Pool) Schedule(delay time.Duration, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrPoolStopped
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()

		if err := p.Submit(task); err != nil {
			p.logger.Debug("Dropped scheduled task", zap.Error(err))
		}
	})
	p.timers[t] = struct{}{}
	return nil
}

// Every queues the task at a fixed interval until the returned stop
// function is called or the pool stops.
func (p *Pool) Every(interval time.Duration, task Task) (func(), error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return func() {}, ErrPoolStopped
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Submit(task); err != nil {
					return
				}
			}
		}
	}()

	return cancel, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}
