package engine

import "time"

// Clock supplies current time to the engine. It is injected at construction
// so tests can drive transitions with virtual time instead of a process-wide
// timer.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock { return systemClock{} }
