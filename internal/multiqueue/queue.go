// Package multiqueue is an append-only broadcast log read through any number
// of independent cursors, each bounded by its own deadline.
//
// The queue only holds the newest node. History stays reachable through the
// cursors that still need it and is reclaimed by the garbage collector once
// the last cursor positioned before it is exhausted. The cursor registry holds
// weak references, so a dropped cursor pins nothing, and Append periodically
// exhausts cursors whose deadline passed while nobody was reading them.
package multiqueue

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("multiqueue: closed")

// reapEvery is how many appends pass between sweeps for expired cursors.
const reapEvery = 64

// reapIdle is how long an expired cursor must have gone unread before a
// sweep exhausts it. A reader still draining its backlog keeps it alive.
var reapIdle = time.Second

type node[T any] struct {
	item  T
	seq   uint64
	next  atomic.Pointer[node[T]]
	ready chan struct{} // closed once next is set
}

func newNode[T any](item T, seq uint64) *node[T] {
	return &node[T]{item: item, seq: seq, ready: make(chan struct{})}
}

// Queue is safe for concurrent use. Appends from any number of goroutines are
// serialized into one order.
type Queue[T any] struct {
	name string

	mu      sync.Mutex
	tail    *node[T]
	cursors map[weak.Pointer[Cursor[T]]]struct{}
	closed  bool

	seq     atomic.Uint64
	done    chan struct{}
	scanned chan struct{}

	observer Observer
	leak     LeakPolicy
}

// Option configures a Queue.
type Option func(*config)

type config struct {
	name     string
	observer Observer
	leak     LeakPolicy
}

// WithName labels the queue in observer callbacks.
func WithName(name string) Option { return func(c *config) { c.name = name } }

// WithObserver installs a diagnostic sink. It receives periodic backlog
// samples and leak reports when a LeakPolicy is set.
func WithObserver(o Observer) Option { return func(c *config) { c.observer = o } }

// WithLeakPolicy enables the per-queue backlog scanner.
func WithLeakPolicy(p LeakPolicy) Option { return func(c *config) { c.leak = p } }

// New creates an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	cfg := config{name: "queue"}
	for _, o := range opts {
		o(&cfg)
	}
	var zero T
	q := &Queue[T]{
		name:     cfg.name,
		tail:     newNode(zero, 0),
		cursors:  make(map[weak.Pointer[Cursor[T]]]struct{}),
		done:     make(chan struct{}),
		observer: cfg.observer,
		leak:     cfg.leak,
	}
	if q.observer != nil && q.leak.Interval > 0 {
		q.scanned = make(chan struct{})
		go q.scan()
	}
	return q
}

// Name returns the label given with WithName.
func (q *Queue[T]) Name() string { return q.name }

// Append publishes item to every live cursor and wakes blocked readers.
func (q *Queue[T]) Append(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	n := newNode(item, q.tail.seq+1)
	q.tail.next.Store(n)
	close(q.tail.ready)
	q.tail = n
	q.seq.Store(n.seq)
	var live []*Cursor[T]
	if n.seq%reapEvery == 0 {
		live = q.liveLocked()
	}
	q.mu.Unlock()

	q.reap(live, time.Now())
	return nil
}

// reap exhausts the cursors in live that expired and went unread.
func (q *Queue[T]) reap(live []*Cursor[T], now time.Time) {
	for _, c := range live {
		c.reap(now)
	}
}

// Appended returns the number of items appended so far.
func (q *Queue[T]) Appended() uint64 { return q.seq.Load() }

// Open returns a cursor that sees only items appended after this call and
// gives up waiting once timeout has elapsed. On a closed queue the cursor is
// already exhausted.
func (q *Queue[T]) Open(timeout time.Duration) *Cursor[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return exhausted[T]()
	}
	return q.registerLocked(q.tail, timeout)
}

func (q *Queue[T]) registerLocked(pos *node[T], timeout time.Duration) *Cursor[T] {
	c := &Cursor[T]{
		q:        q,
		pos:      pos,
		deadline: time.Now().Add(timeout),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	wp := weak.Make(c)
	q.cursors[wp] = struct{}{}
	runtime.AddCleanup(c, q.forget, wp)
	return c
}

func (q *Queue[T]) forget(wp weak.Pointer[Cursor[T]]) {
	q.mu.Lock()
	delete(q.cursors, wp)
	q.mu.Unlock()
}

func (q *Queue[T]) duplicate(pos *node[T], timeout time.Duration) *Cursor[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return exhausted[T]()
	}
	return q.registerLocked(pos, timeout)
}

func (q *Queue[T]) unregister(c *Cursor[T]) { q.forget(weak.Make(c)) }

// ResetTimeout replaces the deadline of c.
func (q *Queue[T]) ResetTimeout(c *Cursor[T], timeout time.Duration) { c.ResetTimeout(timeout) }

// Duplicate returns a new cursor at the current position of c.
func (q *Queue[T]) Duplicate(c *Cursor[T], timeout time.Duration) *Cursor[T] {
	return c.Duplicate(timeout)
}

// Close exhausts every open cursor, unblocking their readers, and drops the
// retained history. Later Opens return exhausted cursors.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	live := q.liveLocked()
	q.tail = nil
	close(q.done)
	q.mu.Unlock()

	for _, c := range live {
		c.Close()
	}
	if q.scanned != nil {
		<-q.scanned
	}
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) snapshot() []*Cursor[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.liveLocked()
}

// liveLocked returns the registered cursors the garbage collector has not
// reclaimed yet.
func (q *Queue[T]) liveLocked() []*Cursor[T] {
	out := make([]*Cursor[T], 0, len(q.cursors))
	for wp := range q.cursors {
		if c := wp.Value(); c != nil {
			out = append(out, c)
		}
	}
	return out
}
