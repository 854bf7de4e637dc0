// Package budget tracks the wall-clock limit of a run.
package budget

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultLimit is the default run length.
const DefaultLimit = 3000 * time.Second

// Governor reports whether the run has used up its time. It is only
// polled; it never interrupts work in flight.
type Governor struct {
	clock    clockwork.Clock
	start    time.Time
	deadline time.Time
}

// New starts a budget of limit at clock's current time. A zero or negative
// limit is already expired.
func New(clock clockwork.Clock, limit time.Duration) *Governor {
	start := clock.Now()
	return &Governor{
		clock:    clock,
		start:    start,
		deadline: start.Add(limit),
	}
}

// Expired reports whether the deadline has been reached.
func (g *Governor) Expired() bool {
	return !g.clock.Now().Before(g.deadline)
}

// Elapsed returns the time since the budget started.
func (g *Governor) Elapsed() time.Duration {
	return g.clock.Since(g.start)
}

// Remaining returns the time left, never negative.
func (g *Governor) Remaining() time.Duration {
	return max(g.deadline.Sub(g.clock.Now()), 0)
}

