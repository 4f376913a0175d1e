package rp1210

import "time"

// adapterClock maps the adapter's free-running 32-bit tick counter onto wall
// time. The offset is taken from the host clock on the first sample and again
// whenever the counter goes backwards (wrap or adapter reset). Results never
// decrease.
//
// Only the decode path touches it.
type adapterClock struct {
	tick time.Duration
	now  func() time.Time

	started        bool
	last           uint32
	base           time.Time
	lastOut        time.Time
	recalibrations int
}

func newAdapterClock(weight int, now func() time.Time) *adapterClock {
	if weight <= 0 {
		weight = 1
	}
	if now == nil {
		now = time.Now
	}
	return &adapterClock{tick: time.Duration(weight) * time.Microsecond, now: now}
}

func (c *adapterClock) wall(ts uint32) time.Time {
	rel := time.Duration(ts) * c.tick
	if !c.started || ts < c.last {
		if c.started {
			c.recalibrations++
		}
		c.started = true
		c.base = c.now().Add(-rel)
	}
	c.last = ts
	out := c.base.Add(rel)
	if out.Before(c.lastOut) {
		out = c.lastOut
	}
	c.lastOut = out
	return out
}
