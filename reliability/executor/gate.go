package executor

import (
	"context"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"golang.org/x/sync/semaphore"
)

// intervalGate admits at most capacity starts in any window of length
// interval. Callers pass through one at a time in arrival order.
type intervalGate struct {
	capacity int
	interval time.Duration
	turn     *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	starts []time.Time
}

func newIntervalGate(capacity int, interval time.Duration) *intervalGate {
	if capacity <= 0 || interval <= 0 {
		return nil
	}

	return &intervalGate{
		capacity: capacity,
		interval: interval,
		turn:     semaphore.NewWeighted(1),
		now:      time.Now,
	}
}

// wait blocks until a start is allowed and records it.
func (g *intervalGate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}

	if err := g.turn.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.turn.Release(1)

	if err := backoff.SleepWithContext(ctx, g.delay()); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.starts = append(g.starts, g.now())
	if len(g.starts) > g.capacity {
		g.starts = g.starts[len(g.starts)-g.capacity:]
	}

	return nil
}

// delay returns how long until the oldest start of a full window leaves it.
func (g *intervalGate) delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.starts) < g.capacity {
		return 0
	}

	return g.starts[0].Add(g.interval).Sub(g.now())
}
