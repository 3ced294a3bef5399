package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/orneryd/lineagesketch/pkg/metrics"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the number of worker goroutines (default: 4)
	Workers int

	// QueueSize is the number of tasks that may wait for a worker (default: 1024)
	QueueSize int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   4,
		QueueSize: 1024,
	}
}

// Pool runs UpdateWorkers on a fixed set of goroutines fed by a bounded queue.
// Submit never blocks; tasks that find the queue full are dropped.
type Pool struct {
	env     Env
	metrics *metrics.Metrics

	mu     sync.RWMutex
	queue  chan Task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Dropped   int64
	InFlight  int64
	Queued    int
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMetrics records worker outcomes and queue depth.
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool starts cfg.Workers goroutines running tasks against env.
func NewPool(cfg PoolConfig, env Env, opts ...PoolOption) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		env:    env.withDefaults(),
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues task and reports whether it was accepted. A task without an ID
// gets a random one.
func (p *Pool) Submit(task Task) bool {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(task, "pool closed")
		return false
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.metrics.SetQueueDepth(len(p.queue))
		return true
	default:
		p.drop(task, "queue full")
		return false
	}
}

func (p *Pool) drop(task Task, reason string) {
	p.dropped.Add(1)
	p.metrics.TaskDropped()
	log.Printf("[worker] dropped task %s (%s): %s", task.ID, task.Kind, reason)
}

// worker processes tasks until the queue is closed.
func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		if p.ctx.Err() != nil {
			p.drop(task, "pool cancelled")
			continue
		}
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	w := NewUpdateWorker(task, p.env)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] task %s panicked: %v", task.ID, r)
			p.failed.Add(1)
			p.metrics.WorkerDone(StateFailed.String())
		}
	}()

	if err := w.Run(p.ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.metrics.WorkerDone(w.State().String())
}

// Close stops accepting tasks and waits for queued and running tasks to finish.
// When ctx ends first, running workers are cancelled, the remaining queue is
// discarded and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
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
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		InFlight:  p.inFlight.Load(),
		Queued:    len(p.queue),
	}
}
