// Package worker runs fire-and-forget side effects (reward crediting,
// best-effort bookkeeping) off the request and bridge paths.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
	"github.com/zhouzirui/pitchroom/backend/internal/service/backoff"
)

// ErrClosed is returned by Shutdown when called twice.
var ErrClosed = errors.New("worker pool closed")

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Pool is a bounded queue drained by a fixed number of goroutines. Each task
// runs through the backoff controller, so rate-limited failures are retried.
type Pool struct {
	queue   chan task
	backoff *backoff.Controller
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(workers, queueSize int, ctrl *backoff.Controller, m *metrics.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan task, queueSize),
		backoff: ctrl,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or the pool is shutting down; the task is then dropped and logged.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		log.Printf("[worker] drop task=%s: pool closed", name)
		p.metrics.RecordTask(name, "dropped")
		return false
	}
	select {
	case p.queue <- task{name: name, run: fn}:
		return true
	default:
		log.Printf("[worker] drop task=%s: queue full", name)
		p.metrics.RecordTask(name, "dropped")
		return false
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] task=%s panic: %v", t.name, r)
			p.metrics.RecordTask(t.name, "panic")
		}
	}()

	var err error
	if p.backoff != nil {
		err = p.backoff.Call(p.ctx, "task."+t.name, t.run)
	} else {
		err = t.run(p.ctx)
	}
	if err != nil {
		log.Printf("[worker] task=%s failed: %v", t.name, err)
		p.metrics.RecordTask(t.name, "failed")
		return
	}
	p.metrics.RecordTask(t.name, "ok")
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx expires first, in-flight tasks see their context canceled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.queue)
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
