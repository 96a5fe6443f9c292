package typec

import "time"

// Clock is the time source of the protocol stack. It is an interface so
// that tests can drive timers deterministically.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

// SystemClock is the Clock backed by the time package.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep pauses the current goroutine for d.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }
