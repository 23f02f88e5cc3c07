// Package clock provides the small time-source seam used across the
// Master's periodic tasks (expiry sweeper, backoff timers) so tests can inject a fake clock instead of sleeping for real.
package clock

import "time"

// Clock is implemented by the real wall clock and by fakes in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real is the production Clock backed by the standard library.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
