package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock returns a fixed time, optionally stepping forward on every call.
// Safe for concurrent use.
type StubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

// SteppingClock returns a clock starting at the FixedClock time that moves
// forward by step after each call to Now, so successive inserts get
// distinct timestamps.
func SteppingClock(step time.Duration) *StubClock {
	c := FixedClock()
	c.step = step
	return c
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns sequential IDs: "pass-1", "pass-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("pass-%d", g.counter)
}
