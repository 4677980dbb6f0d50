package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window request counter keyed by client address.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	span    time.Duration
	janitor *time.Ticker
	done    chan struct{}
}

type window struct {
	count   int
	startAt time.Time
}

// NewRateLimiter allows rate requests per span for each client.
func NewRateLimiter(rate int, span time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		rate:    rate,
		span:    span,
		janitor: time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// sweep drops windows that have been idle long enough to be irrelevant.
func (rl *RateLimiter) sweep() {
	for {
		select {
		case <-rl.janitor.C:
			cutoff := time.Now().Add(-2 * rl.span)
			rl.mu.Lock()
			for key, w := range rl.windows {
				if w.startAt.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Stop ends the sweeper goroutine.
func (rl *RateLimiter) Stop() {
	rl.janitor.Stop()
	close(rl.done)
}

// Allow records a request for key and reports whether it fits the window.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.startAt) >= rl.span {
		rl.windows[key] = &window{count: 1, startAt: now}
		return true
	}
	if w.count >= rl.rate {
		return false
	}
	w.count++
	return true
}

// clientKey identifies the caller, preferring proxy-set headers.
func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// RateLimit rejects requests that exceed the per-client budget.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.rate))
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.span.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error": "rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
