package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock set to initial. Time only moves when Advance
// is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a one-shot waiter. If d <= 0 the channel is ready
// immediately and nothing is registered.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{channel: make(chan time.Time, 1)}
	if d <= 0 {
		w.channel <- c.current
		return w.channel
	}
	w.deadline = c.current.Add(d)
	c.addLocked(w)
	return w.channel
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
	}
	c.addLocked(w)
	return &Timer{
		C: w.channel,
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(w)
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := c.removeLocked(w)
			// Drop a fired-but-unread event so the next receive
			// observes the new deadline only.
			select {
			case <-w.channel:
			default:
			}
			w.deadline = c.current.Add(d)
			c.addLocked(w)
			return active
		},
	}
}

func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var due, remaining []*fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(now) {
			remaining = append(remaining, w)
		} else {
			due = append(due, w)
		}
	}
	c.waiters = remaining
	c.changed.Broadcast()
	c.mu.Unlock()

	slices.SortFunc(due, func(a, b *fakeWaiter) int { return a.deadline.Compare(b.deadline) })
	for _, w := range due {
		select {
		case w.channel <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered waiters that have not
// fired or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// removeLocked reports whether w was pending.
func (c *FakeClock) removeLocked(w *fakeWaiter) bool {
	i := slices.Index(c.waiters, w)
	if i < 0 {
		return false
	}
	c.waiters = slices.Delete(c.waiters, i, i+1)
	c.changed.Broadcast()
	return true
}
