package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so breakers and queues can be driven in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Managed is a hand-driven clock for tests.
type Managed struct {
	mu      sync.Mutex
	current time.Time
}

func NewManaged(start time.Time) *Managed {
	return &Managed{current: start}
}

func (c *Managed) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward and returns the new time.
func (c *Managed) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}
