package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/tunehub/internal/api/response"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RequestCounter counts requests per client in fixed windows.
type RequestCounter interface {
	CountRequest(ctx context.Context, client string, window time.Duration) (int64, time.Time, error)
}

// RateLimit provides fixed-window per-client rate limiting.
type RateLimit struct {
	counter        RequestCounter
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c RequestCounter, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{counter: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit applies rate limiting based on the client key set by ClientKey.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := getClientKey(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, reset, err := rl.counter.CountRequest(r.Context(), client, rateWindow)
		if err != nil {
			// fail open
			slog.Warn("rate limit counter unavailable", "client", client, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			wait := int(math.Ceil(reset.Sub(rl.now()).Seconds()))
			if wait < 1 {
				wait = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			response.Error(w, http.StatusTooManyRequests,
				response.CodeRateLimitExceeded, "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
