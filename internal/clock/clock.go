// Package clock provides an injectable time source so that read
// timeouts, grace periods and kill waits can be tested without sleeping.
//
// Production code uses Real(). Tests use Fake(), advance it explicitly,
// and call WaitForTimers before Advance so that the goroutine under test
// has registered its timer.
package clock

import "time"

// Clock abstracts the parts of the time package lvbench uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once after d.
	NewTimer(d time.Duration) *Timer

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Timer is a one-shot timer. Read the event from C.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped an active timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset rearms the timer to fire after d. It reports whether the timer
// was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
