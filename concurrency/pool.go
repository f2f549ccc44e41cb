// Package concurrency holds the small primitives shared by the host and
// child runtimes: a bounded worker pool for worker-mode dispatch, a
// context-aware semaphore for the subscription dispatcher, and a one-shot
// future for pending replies.
package concurrency

import (
	"context"
	"sync"

	"github.com/nexabus/nexabus/errors"
)

// Pool runs submitted tasks on a fixed set of goroutines over a bounded
// queue. Submit never blocks; a full queue is an error so callers can
// surface backpressure instead of stalling a command loop.
type Pool struct {
	name  string
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool sizes the pool. Non-positive workers or queue sizes fall back
// to 1 and workers*4 respectively.
func NewPool(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	p := &Pool{
		name:  name,
		tasks: make(chan func(), queueSize),
	}
	p.start(workers)
	return p
}

func (p *Pool) start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task. Returns a rate-limit error when the queue is
// full and an internal error after Stop.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewInternal("pool " + p.name + " is stopped")
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	default:
		return errors.NewRateLimit("pool " + p.name + " queue is full")
	}
}

// Stop closes the queue and waits for in-flight tasks, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeout("pool " + p.name + " did not drain in time")
	}
}

// Semaphore bounds concurrent sends. Acquire respects context cancellation
// so a paused or shutting-down dispatcher never parks forever.
type Semaphore struct {
	tickets chan struct{}
}

func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{tickets: make(chan struct{}, capacity)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tickets <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a ticket without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.tickets <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	select {
	case <-s.tickets:
	default:
	}
}

// InFlight reports the number of held tickets.
func (s *Semaphore) InFlight() int { return len(s.tickets) }

// Future is a one-shot value-or-error. Complete and Fail are both
// first-write-wins; later calls are dropped.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) Complete(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks for completion or context expiry.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.NewTimeout("timed out waiting for result")
	}
}

// Done exposes the completion channel for select loops.
func (f *Future[T]) Done() <-chan struct{} { return f.done }
