package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue.
//
//	Enqueue: LPUSH queue
//	Claim:   BLMOVE queue -> processing
//	Ack:     LREM processing
//
// Tasks left in the processing list by a crashed worker are returned by
// RequeueStale.
type RedisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{
		rdb:           rdb,
		queueKey:      key,
		processingKey: key + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	return q.rdb.LPush(ctx, q.queueKey, payload).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (Task, error) {
	raw, err := q.rdb.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, ErrEmpty
		}
		return Task{}, err
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Poison message; drop it so it cannot block the queue.
		_ = q.rdb.LRem(ctx, q.processingKey, 1, raw).Err()
		return Task{}, fmt.Errorf("decoding task: %w", err)
	}
	task.raw = raw
	return task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if task.raw == "" {
		return fmt.Errorf("task %s was not claimed from this queue", task.ID)
	}
	return q.rdb.LRem(ctx, q.processingKey, 1, task.raw).Err()
}

// RequeueStale moves up to max tasks from the processing list back onto the
// queue. Run it before starting workers; tasks still being worked on by a live
// process would be delivered twice.
func (q *RedisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for moved < max {
		_, err := q.rdb.LMove(ctx, q.processingKey, q.queueKey, "RIGHT", "RIGHT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Depth returns the number of queued and in-flight tasks.
func (q *RedisQueue) Depth(ctx context.Context) (queued, processing int64, err error) {
	queued, err = q.rdb.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, 0, err
	}
	processing, err = q.rdb.LLen(ctx, q.processingKey).Result()
	return queued, processing, err
}

var _ Queue = (*RedisQueue)(nil)
