// Package clockx abstracts the time operations the SDK schedules against so
// token expiry can be driven by a fake clock in tests.
package clockx

import "time"

// Clock is the scheduling primitive used by the token manager and the
// background services. Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms a one-shot timer that calls f once d has elapsed.
	// The returned Timer cancels the pending call. With d <= 0 the real
	// clock fires on a new goroutine and the fake clock fires before
	// AfterFunc returns.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to an armed AfterFunc callback.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the timer. It reports false if the timer already fired or
// was already stopped. A nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
