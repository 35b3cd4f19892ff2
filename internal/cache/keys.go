package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

// RateLimitKey names one client's counter for the window starting at start.
func RateLimitKey(client string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", client, start.Unix())
}

// DeliveryKey marks a provider webhook delivery id as already handled.
func DeliveryKey(deliveryID string) string {
	return fmt.Sprintf("webhook:delivery:%s", deliveryID)
}

// windowBounds returns the fixed window containing now and when it ends.
func windowBounds(now time.Time, window time.Duration) (start, reset time.Time) {
	start = now.Truncate(window)
	return start, start.Add(window)
}
