package outbox

import (
	"context"
	"time"
)

// MemoryQueue is an in-process Queue. Tasks are lost on restart.
type MemoryQueue struct {
	ch chan Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Task, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Claim(ctx context.Context, timeout time.Duration) (Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-q.ch:
		return t, nil
	case <-timer.C:
		return Task{}, ErrEmpty
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Task) error { return nil }

// Len returns the number of queued tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

var _ Queue = (*MemoryQueue)(nil)
