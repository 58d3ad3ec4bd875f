// Package workqueue is a bounded, context-cancellable FIFO of batches
// shared between the Orchestrator and the worker pool.
//
// Capacity is fixed at construction. Push blocks (cancellably) while the
// queue is full; Pop blocks (cancellably) while it is empty. Shutdown is a
// poison pill, not a closed channel: the Orchestrator pushes one pill per
// worker so each worker observes exactly one and exits cleanly, even though
// several workers are draining the same channel concurrently.
package workqueue

import (
	"context"
	"errors"
)

// ErrFull is returned by TryPush when the queue has no room.
var ErrFull = errors.New("workqueue: full")

// Config holds tunable parameters for a Queue. All zero-values are valid;
// use DefaultConfig() for production-safe defaults.
type Config struct {
	// MaxSize is the maximum number of batches the queue will hold at once.
	MaxSize int
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 100}
}

// item is one queue entry: a batch, or, with poison set, a termination
// signal telling a worker to stop; a poison item never carries a real batch.
type item struct {
	batch  any
	poison bool
}

// Queue is a bounded FIFO. The zero value is not usable; use New.
type Queue struct {
	ch chan item
}

// New creates a Queue with the given capacity.
func New(cfg Config) *Queue {
	size := cfg.MaxSize
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan item, size)}
}

// Push enqueues batch, blocking until there is room or ctx is cancelled.
func (q *Queue) Push(ctx context.Context, batch any) error {
	select {
	case q.ch <- item{batch: batch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues batch without blocking, returning ErrFull if there is no
// room.
func (q *Queue) TryPush(batch any) error {
	select {
	case q.ch <- item{batch: batch}:
		return nil
	default:
		return ErrFull
	}
}

// Pop dequeues the next batch, blocking until one is available or ctx is
// cancelled. The second return value is false when a poison pill was
// dequeued instead of a batch — the caller should stop its loop.
func (q *Queue) Pop(ctx context.Context) (any, bool, error) {
	select {
	case it := <-q.ch:
		if it.poison {
			return nil, false, nil
		}
		return it.batch, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// PushPoisonPill enqueues a single termination signal, blocking until there
// is room or ctx is cancelled. The Orchestrator calls this once per worker
// during shutdown.
func (q *Queue) PushPoisonPill(ctx context.Context) error {
	select {
	case q.ch <- item{poison: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of batches and pending pills currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
