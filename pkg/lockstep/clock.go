package lockstep

import "time"

// Clock is the monotonic time source controllers measure real elapsed time with.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock. time.Now carries a monotonic reading, so differences
// between two calls are not affected by wall clock adjustments.
func SystemClock() Clock {
	return systemClock{}
}

// Updateable is something a scheduler ticks periodically.
type Updateable interface {
	Tick()
}

// Scheduler ticks registered updateables. Implementations must call Tick from a single goroutine.
type Scheduler interface {
	Add(u Updateable)
	Remove(u Updateable)
}
