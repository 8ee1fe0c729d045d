package timex

import "time"

// Ms converts a millisecond config value into a Duration.
func Ms[T ~int | ~int64 | ~uint32](ms T) time.Duration { return time.Duration(ms) * time.Millisecond }

// Secs converts a second config value into a Duration.
func Secs[T ~int | ~int64 | ~uint32](s T) time.Duration { return time.Duration(s) * time.Second }
