package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one task. Returning an error schedules a retry unless the
// error is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, task Task) error

// Dispatcher claims tasks from a Queue and routes them to handlers by type.
type Dispatcher struct {
	queue        Queue
	handlers     map[TaskType]Handler
	workers      int
	maxAttempts  int
	retryDelay   time.Duration
	claimTimeout time.Duration
	now          func() time.Time
}

func NewDispatcher(queue Queue, workers, maxAttempts int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Dispatcher{
		queue:        queue,
		handlers:     make(map[TaskType]Handler),
		workers:      workers,
		maxAttempts:  maxAttempts,
		retryDelay:   5 * time.Second,
		claimTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

// Handle registers h for tasks of type typ. Not safe to call after Run.
func (d *Dispatcher) Handle(typ TaskType, h Handler) {
	d.handlers[typ] = h
}

// SetRetryDelay sets the base delay; attempt n waits n × delay.
func (d *Dispatcher) SetRetryDelay(delay time.Duration) {
	d.retryDelay = delay
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("outbox dispatcher started", "workers", d.workers)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.work(ctx, n)
		}(i + 1)
	}
	wg.Wait()

	slog.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, n int) {
	for ctx.Err() == nil {
		task, err := d.queue.Claim(ctx, d.claimTimeout)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
				slog.Warn("outbox claim failed", "worker", n, "error", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}

		if wait := task.NotBefore.Sub(d.now()); wait > 0 {
			if !sleepCtx(ctx, wait) {
				// Leave it in the processing list for the next start.
				return
			}
		}

		// In-flight work finishes on shutdown.
		d.process(context.WithoutCancel(ctx), task)
	}
}

// process runs the handler and either acks or schedules a retry. The retry is
// enqueued before the original is acked so a crash in between duplicates
// rather than loses the task.
func (d *Dispatcher) process(ctx context.Context, task Task) {
	logger := slog.With("task_id", task.ID, "task_type", task.Type, "subject_id", task.SubjectID, "attempt", task.Attempt+1)

	err := d.invoke(ctx, task)
	switch {
	case err == nil:
	case IsPermanent(err):
		logger.Warn("outbox task failed permanently", "error", err)
	case task.Attempt+1 >= d.maxAttempts:
		logger.Error("outbox task exhausted retries", "error", err)
	default:
		retry := task
		retry.raw = ""
		retry.Attempt++
		retry.NotBefore = d.now().Add(time.Duration(retry.Attempt) * d.retryDelay)
		if qErr := d.queue.Enqueue(ctx, retry); qErr != nil {
			logger.Error("outbox retry enqueue failed", "error", qErr)
			return
		}
		logger.Warn("outbox task failed, retry scheduled", "error", err, "not_before", retry.NotBefore)
	}

	if ackErr := d.queue.Ack(ctx, task); ackErr != nil {
		logger.Error("outbox ack failed", "error", ackErr)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, task Task) (err error) {
	h, ok := d.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for task type %q", task.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", task.Type, r)
		}
	}()
	return h(ctx, task)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
