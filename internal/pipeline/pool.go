package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// PoolRecorder receives pool counters.
type PoolRecorder interface {
	IncDropped()
	AddInflight(delta float64)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int // maximum jobs running at once
	QueueSize int // jobs accepted but not yet started
	Recorder  PoolRecorder
	Logger    *slog.Logger
}

// Job is one unit of pipeline work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers fed by a bounded queue. Submit
// never blocks: when the queue is full the job is dropped.
type Pool struct {
	queue    chan Job
	mu       sync.RWMutex
	closed   bool
	workers  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	recorder PoolRecorder
	logger   *slog.Logger
}

// NewPool starts the workers.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    make(chan Job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
	p.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for job := range p.queue {
		if p.ctx.Err() != nil {
			continue
		}
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	if p.recorder != nil {
		p.recorder.AddInflight(1)
		defer p.recorder.AddInflight(-1)
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline job panicked", "panic", r)
		}
	}()
	job(p.ctx)
}

// Submit enqueues job and reports whether it was accepted. It returns false
// after Close or when the queue is full.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("pipeline closed, dropping event")
		return false
	}

	select {
	case p.queue <- job:
		return true
	default:
		if p.recorder != nil {
			p.recorder.IncDropped()
		}
		p.logger.Warn("pipeline saturated, dropping event", "queue_size", cap(p.queue))
		return false
	}
}

// Close stops accepting jobs. Queued and running jobs continue.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Drain closes the pool and waits for all jobs to finish. If ctx ends first,
// running jobs are cancelled and ctx.Err() is returned.
func (p *Pool) Drain(ctx context.Context) error {
	p.Close()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("shutdown grace expired, cancelling in-flight events")
		return ctx.Err()
	}
}
