package router

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
)

type job struct {
	key string
	run func(ctx context.Context)
}

// workerPool runs jobs on serial workers selected by key. Jobs sharing a
// key run one at a time in submission order.
type workerPool struct {
	queues  []chan job
	timeout time.Duration
	logger  Logger
	metrics *metrics.Metrics

	// base is cancelled when a drain outlives the Stop deadline.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueSize int, timeout time.Duration, logger Logger, m *metrics.Metrics) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	base, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		queues:  make([]chan job, workers),
		timeout: timeout,
		logger:  logger,
		metrics: m,
		base:    base,
		cancel:  cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, queueSize)
	}
	return p
}

func (p *workerPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for _, q := range p.queues {
		p.wg.Add(1)
		go p.work(q)
	}
}

func (p *workerPool) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // hash.Hash never fails
	return int(h.Sum32() % uint32(len(p.queues)))
}

// submit enqueues fn on the worker owning key. It blocks while that
// worker's queue is full and returns false once the pool is stopped.
func (p *workerPool) submit(key string, fn func(ctx context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.metrics.QueueDepthAdd(1)
	p.queues[p.index(key)] <- job{key: key, run: fn}
	return true
}

func (p *workerPool) work(q chan job) {
	defer p.wg.Done()
	for j := range q {
		p.metrics.QueueDepthAdd(-1)
		p.execute(j)
	}
}

func (p *workerPool) execute(j job) {
	ctx := p.base
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.base, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message handler panic recovered", "key", j.key, "panic", r)
		}
	}()

	j.run(ctx)
}

// stop refuses new jobs and waits for queued ones to finish. When ctx
// ends first, in-flight jobs are cancelled and ctx.Err is returned once
// the workers exit.
func (p *workerPool) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

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
