// Package cache holds short-lived state shared between API replicas: the job
// status projection, webhook delivery markers and rate-limit windows.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is implemented by RedisCache and MemoryCache. Implementations must be
// safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error

	SetJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (models.JobStatus, bool, error)

	// ClaimDelivery records a webhook delivery id and reports whether this
	// caller is the first to see it within ttl.
	ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error)
	// ReleaseDelivery forgets a claim so a redelivery is processed again.
	ReleaseDelivery(ctx context.Context, deliveryID string) error

	// CountRequest increments the client's counter for the current fixed
	// window and returns the new count and the window's end.
	CountRequest(ctx context.Context, client string, window time.Duration) (int64, time.Time, error)
}

// RedisCache implements Cache on go-redis/v9.
type RedisCache struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts), now: time.Now}, nil
}

// Client exposes the underlying client so the outbox queue can share the
// connection pool.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(jobID), string(status), ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (models.JobStatus, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.JobStatus(val), true, nil
}

func (c *RedisCache) ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, DeliveryKey(deliveryID), c.now().Unix(), ttl).Result()
}

func (c *RedisCache) ReleaseDelivery(ctx context.Context, deliveryID string) error {
	return c.client.Del(ctx, DeliveryKey(deliveryID)).Err()
}

func (c *RedisCache) CountRequest(ctx context.Context, client string, window time.Duration) (int64, time.Time, error) {
	start, reset := windowBounds(c.now(), window)
	key := RateLimitKey(client, start)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, reset)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}
	return incr.Val(), reset, nil
}
