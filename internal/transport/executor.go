package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExecutorClosed is returned for work submitted after Close, or queued
// work that never ran because the executor shut down.
var ErrExecutorClosed = errors.New("executor closed")

// Executor runs submitted calls one at a time on a single goroutine. Native
// adapter libraries that are not safe for concurrent use are only ever
// entered from that goroutine.
//
// Do blocks until the call has run and returns its error.
//
//	ex := NewExecutor(ctx, 64, hooks)
//	err := ex.Do(ctx, func() error { return drv.SendMessage(...) })
//	ex.Close()
type Executor struct {
	mu     sync.Mutex
	ch     chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exited chan struct{}
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize Executor behavior.
type Hooks struct {
	// OnError is called when a call returns a non-nil error.
	OnError func(error)
}

// NewExecutor starts the worker with a queue of size buf.
func NewExecutor(parent context.Context, buf int, hooks Hooks) *Executor {
	ctx, cancel := context.WithCancel(parent)
	e := &Executor{
		ch:     make(chan func(), buf),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
		hooks:  hooks,
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Executor) loop() {
	defer e.wg.Done()
	defer close(e.exited)
	for {
		select {
		case job, ok := <-e.ch:
			if !ok {
				return
			}
			job()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Executor) wrap(fn func() error, res chan<- error) func() {
	return func() {
		err := fn()
		if err != nil && e.hooks.OnError != nil {
			e.hooks.OnError(err)
		}
		res <- err
	}
}

// Do queues fn, waiting for room if necessary, and returns its result. If ctx
// ends first Do returns ctx.Err(); fn may still run later.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	res := make(chan error, 1)
	job := e.wrap(fn, res)
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	select {
	case e.ch <- job:
	case <-ctx.Done():
		e.mu.Unlock()
		return ctx.Err()
	case <-e.ctx.Done():
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.mu.Unlock()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.exited:
		select {
		case err := <-res:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// Close stops the worker and waits for the running call to return. Queued
// calls that have not started are discarded.
func (e *Executor) Close() {
	if e.closed.Swap(true) {
		return
	}
	// Cancel first so a Do blocked on a full queue releases the lock.
	e.cancel()
	e.mu.Lock()
	close(e.ch)
	e.mu.Unlock()
	e.wg.Wait()
}
