package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

type memoryEntry struct {
	status    models.JobStatus
	count     int64
	expiresAt time.Time
}

// MemoryCache is a process-local Cache used when no Redis is configured and
// in tests. Expired entries are dropped lazily on access.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemoryCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status models.JobStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[JobStatusKey(jobID)] = memoryEntry{status: status, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *MemoryCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (models.JobStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(JobStatusKey(jobID))
	return e.status, ok, nil
}

func (c *MemoryCache) ClaimDelivery(_ context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := DeliveryKey(deliveryID)
	if _, ok := c.lookup(key); ok {
		return false, nil
	}
	c.entries[key] = memoryEntry{expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *MemoryCache) ReleaseDelivery(_ context.Context, deliveryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, DeliveryKey(deliveryID))
	return nil
}

func (c *MemoryCache) CountRequest(_ context.Context, client string, window time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start, reset := windowBounds(c.now(), window)
	key := RateLimitKey(client, start)
	e, _ := c.lookup(key)
	e.count++
	e.expiresAt = reset
	c.entries[key] = e
	return e.count, reset, nil
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
