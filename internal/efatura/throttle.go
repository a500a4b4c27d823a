package efatura

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ProactiveRate is the proactive throttle rate in requests/second.
	// The portal publishes no quota, so stay conservative.
	ProactiveRate = 4

	// HeaderRetryAfter is the retry-after header (seconds).
	HeaderRetryAfter = "Retry-After"
)

// Throttle paces requests against the portal. It combines a token
// bucket with Retry-After backpressure reported by the server.
type Throttle struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	retryWait time.Time
}

// NewThrottle creates a throttle with the default proactive rate.
func NewThrottle() *Throttle {
	return &Throttle{
		bucket: rate.NewLimiter(rate.Limit(ProactiveRate), 1),
	}
}

// Wait blocks until it's safe to make a request.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := t.bucket.Wait(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	until := t.retryWait
	t.mu.Unlock()

	if time.Now().Before(until) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(until)):
		}
	}
	return nil
}

// UpdateFromResponse records server backpressure from response headers.
func (t *Throttle) UpdateFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}
	if retryAfter := resp.Header.Get(HeaderRetryAfter); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			t.mu.Lock()
			t.retryWait = time.Now().Add(time.Duration(seconds) * time.Second)
			t.mu.Unlock()
		}
	}
}
