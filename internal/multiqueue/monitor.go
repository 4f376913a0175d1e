package multiqueue

import "time"

// Observer receives queue diagnostics. Calls come from the queue's scanner
// goroutine and must not block for long.
type Observer interface {
	// Backlog reports the number of live cursors and the largest unread
	// backlog among them.
	Backlog(queue string, cursors int, maxPending uint64)
	// Leak reports a cursor whose backlog crossed LeakPolicy.Threshold. Each
	// cursor is reported at most once.
	Leak(queue string, pending uint64)
}

// LeakPolicy controls the backlog scanner. A zero Interval disables it.
type LeakPolicy struct {
	Interval  time.Duration
	Threshold uint64
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Cursors    int
	MaxPending uint64
	// Retained is the number of appended items still reachable from the
	// oldest live cursor.
	Retained uint64
	Appended uint64
}

// Stats samples the live cursors.
func (q *Queue[T]) Stats() Stats {
	live := q.snapshot()
	s := Stats{Cursors: len(live), Appended: q.seq.Load()}
	oldest := s.Appended
	for _, c := range live {
		if p := c.Pending(); p > s.MaxPending {
			s.MaxPending = p
		}
		if seq, ok := c.position(); ok && seq < oldest {
			oldest = seq
		}
	}
	s.Retained = s.Appended - oldest
	return s
}

func (q *Queue[T]) scan() {
	defer close(q.scanned)
	t := time.NewTicker(q.leak.Interval)
	defer t.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-t.C:
		}
		q.scanOnce()
	}
}

func (q *Queue[T]) scanOnce() {
	q.reap(q.snapshot(), time.Now())
	live := q.snapshot()
	var max uint64
	for _, c := range live {
		p := c.Pending()
		if p > max {
			max = p
		}
		if q.leak.Threshold > 0 && p > q.leak.Threshold && c.leaked.CompareAndSwap(false, true) {
			q.observer.Leak(q.name, p)
		}
	}
	q.observer.Backlog(q.name, len(live), max)
}
