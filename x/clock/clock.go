// Package clock abstracts the few time operations the agent blocks on so
// tests can drive timeouts deterministically. Production code uses Real();
// tests use Fake().
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Since is time.Since on an injected clock.
func Since(c Clock, t time.Time) time.Duration { return c.Now().Sub(t) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
