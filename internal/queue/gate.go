package queue

import (
	"context"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of active workers. Waiters are admitted in arrival
// order.
type gate struct {
	sem      *semaphore.Weighted
	capacity int
	held     atomic.Int64
	waiting  atomic.Int64
}

func newGate(capacity int) (*gate, error) {
	if capacity < 1 {
		return nil, &ConfigError{Field: "capacity", Reason: "must be at least 1, got " + strconv.Itoa(capacity)}
	}
	return &gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

func (g *gate) acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.held.Add(1)
	return nil
}

func (g *gate) release() {
	g.held.Add(-1)
	g.sem.Release(1)
}

func (g *gate) active() int  { return int(g.held.Load()) }
func (g *gate) waiters() int { return int(g.waiting.Load()) }
