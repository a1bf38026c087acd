// Package middleware holds the HTTP middleware in front of the orchestrator
// API: per-client token buckets and bearer authentication for operator
// actions.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"
)

const (
	cleanupInterval  = 5 * time.Minute
	staleClientAge   = 10 * time.Minute
	secondsPerMinute = 60.0
	apiKeyHeader     = "X-Api-Key" //nolint:gosec // This is a header name, not a credential
	xForwardedForHdr = "X-Forwarded-For"
)

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	clients     map[string]*clientLimiter
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	onReject    func()
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithRejectHook calls fn for every rejected request.
func WithRejectHook(fn func()) RateLimitOption {
	return func(rl *RateLimiter) {
		rl.onReject = fn
	}
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client
// with the given burst, and starts its cleanup loop.
func NewRateLimiter(requestsPerMinute, burst int, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		clients:     make(map[string]*clientLimiter),
		limit:       rate.Limit(float64(requestsPerMinute) / secondsPerMinute),
		burst:       burst,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.cleanupLoop(cleanupInterval)
	return rl
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

func (rl *RateLimiter) limiterFor(clientID string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if client, ok := rl.clients[clientID]; ok {
		client.lastAccess = now
		return client.limiter
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.clients[clientID] = &clientLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evictIdle(now.Add(-staleClientAge))
		case <-rl.stopCleanup:
			return
		}
	}
}

// evictIdle drops clients not seen since cutoff.
func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, client := range rl.clients {
		if client.lastAccess.Before(cutoff) {
			delete(rl.clients, id)
		}
	}
}

// Allow reports whether clientID may make a request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	return rl.limiterFor(clientID, time.Now()).Allow()
}

// retryAfter returns the whole seconds until clientID gets a token.
func (rl *RateLimiter) retryAfter(clientID string) int {
	rl.mu.Lock()
	client, ok := rl.clients[clientID]
	rl.mu.Unlock()
	if !ok {
		return 1
	}

	reservation := client.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	if delay <= 0 {
		return 1
	}
	return int(delay.Seconds()) + 1
}

// clientID identifies the caller by API key, then first forwarded address,
// then remote address.
func clientID(r *http.Request) string {
	if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
		return "apikey:" + apiKey
	}

	if xff := r.Header.Get(xForwardedForHdr); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if host, _, err := net.SplitHostPort(first); err == nil {
			return "ip:" + host
		}
		return "ip:" + first
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		if rl.Allow(id) {
			next.ServeHTTP(w, r)
			return
		}

		wait := rl.retryAfter(id)
		util.Log(r.Context()).Warn("rate limit exceeded",
			"client_id", id,
			"path", r.URL.Path,
			"retry_after", wait,
		)
		if rl.onReject != nil {
			rl.onReject()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(wait))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please retry after " + strconv.Itoa(wait) + " seconds.",
			"retry_after": wait,
		})
	})
}
