package multiqueue

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// Cursor is one reader's position in a Queue plus the deadline after which it
// stops waiting. A cursor that runs out of time, is closed, or whose queue is
// closed is exhausted for good and releases its position.
//
// A Cursor may be shared between goroutines; each item is delivered to
// exactly one of them.
type Cursor[T any] struct {
	q *Queue[T]

	mu       sync.Mutex
	pos      *node[T] // last consumed node, nil once exhausted
	deadline time.Time
	lastRead time.Time

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	leaked    atomic.Bool
}

func exhausted[T any]() *Cursor[T] {
	c := &Cursor[T]{wake: make(chan struct{}, 1), done: make(chan struct{})}
	c.closeOnce.Do(func() { close(c.done) })
	return c
}

// Next returns the next item, waiting until one is appended or the deadline
// passes. It returns false once the cursor is exhausted.
func (c *Cursor[T]) Next() (T, bool) { return c.NextContext(context.Background()) }

// NextContext is Next that also gives up when ctx is done. Cancellation does
// not exhaust the cursor.
func (c *Cursor[T]) NextContext(ctx context.Context) (T, bool) {
	var zero T
	for {
		c.mu.Lock()
		pos := c.pos
		if pos == nil {
			c.mu.Unlock()
			return zero, false
		}
		c.lastRead = time.Now()
		if n := pos.next.Load(); n != nil {
			c.pos = n
			c.mu.Unlock()
			return n.item, true
		}
		wait := time.Until(c.deadline)
		c.mu.Unlock()
		if wait <= 0 {
			c.Close()
			return zero, false
		}

		t := time.NewTimer(wait)
		select {
		case <-pos.ready:
		case <-c.wake:
		case <-c.done:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, false
		}
		t.Stop()
	}
}

// All yields items until the cursor is exhausted.
func (c *Cursor[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := c.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// ResetTimeout replaces the deadline with now+timeout. It has no effect on an
// exhausted cursor.
func (c *Cursor[T]) ResetTimeout(timeout time.Duration) {
	c.mu.Lock()
	if c.pos == nil {
		c.mu.Unlock()
		return
	}
	c.deadline = time.Now().Add(timeout)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Duplicate returns an independent cursor at the same position with a
// deadline of now+timeout. Duplicating an exhausted cursor yields an
// exhausted cursor.
func (c *Cursor[T]) Duplicate(timeout time.Duration) *Cursor[T] {
	c.mu.Lock()
	pos, q := c.pos, c.q
	c.mu.Unlock()
	if pos == nil || q == nil {
		return exhausted[T]()
	}
	return q.duplicate(pos, timeout)
}

// Deadline returns the current deadline.
func (c *Cursor[T]) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Exhausted reports whether the cursor will never yield another item.
func (c *Cursor[T]) Exhausted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the cursor becomes exhausted.
func (c *Cursor[T]) Done() <-chan struct{} { return c.done }

// Pending estimates the number of appended items not yet read.
func (c *Cursor[T]) Pending() uint64 {
	c.mu.Lock()
	pos, q := c.pos, c.q
	c.mu.Unlock()
	if pos == nil || q == nil {
		return 0
	}
	tail := q.seq.Load()
	if tail < pos.seq {
		return 0
	}
	return tail - pos.seq
}

// position returns the sequence number of the last consumed item.
func (c *Cursor[T]) position() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return 0, false
	}
	return c.pos.seq, true
}

// Close exhausts the cursor and wakes any blocked reader. It is idempotent.
// An exhausted cursor keeps no reference to its queue.
func (c *Cursor[T]) Close() {
	c.mu.Lock()
	q := c.detachLocked()
	c.mu.Unlock()
	c.finish(q)
}

// reap closes the cursor if its deadline passed and nobody has read from it
// for reapIdle.
func (c *Cursor[T]) reap(now time.Time) {
	c.mu.Lock()
	if c.pos == nil || !now.After(c.deadline) || now.Sub(c.lastRead) <= reapIdle {
		c.mu.Unlock()
		return
	}
	q := c.detachLocked()
	c.mu.Unlock()
	c.finish(q)
}

func (c *Cursor[T]) detachLocked() *Queue[T] {
	q := c.q
	c.pos = nil
	c.q = nil
	return q
}

func (c *Cursor[T]) finish(q *Queue[T]) {
	c.closeOnce.Do(func() { close(c.done) })
	if q != nil {
		q.unregister(c)
	}
}
