package mock

import (
	"slices"
	"time"

	"github.com/encodeous/nbns/state"
)

// Clock is a virtual state.Scheduler. Time only moves when Advance is called, and callbacks
// run on the caller's goroutine in deadline order.
type Clock struct {
	now    time.Duration
	seq    int
	timers []*clockTimer
}

type clockTimer struct {
	clock *Clock
	at    time.Duration
	seq   int
	fun   func()
	done  bool
}

func (t *clockTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.clock.timers = slices.DeleteFunc(t.clock.timers, func(o *clockTimer) bool { return o == t })
	return true
}

func (c *Clock) AfterFunc(delay time.Duration, fun func()) state.Timer {
	c.seq++
	t := &clockTimer{clock: c, at: c.now + delay, seq: c.seq, fun: fun}
	c.timers = append(c.timers, t)
	return t
}

// Now is the virtual time elapsed since the clock was created.
func (c *Clock) Now() time.Duration {
	return c.now
}

// Pending counts timers that have not fired or been stopped.
func (c *Clock) Pending() int {
	return len(c.timers)
}

// Advance moves time forward by d, firing every timer that falls due, including timers
// scheduled by callbacks along the way.
func (c *Clock) Advance(d time.Duration) {
	end := c.now + d
	for {
		next := c.next()
		if next == nil || next.at > end {
			break
		}
		c.now = next.at
		next.Stop()
		next.fun()
	}
	c.now = end
}

func (c *Clock) next() *clockTimer {
	if len(c.timers) == 0 {
		return nil
	}
	return slices.MinFunc(c.timers, func(a, b *clockTimer) int {
		if a.at != b.at {
			return int(a.at - b.at)
		}
		return a.seq - b.seq
	})
}
