package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// minIdleTTL is the shortest time a caller's bucket is kept after its last request.
const minIdleTTL = 10 * time.Minute

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated caller. Buckets idle
// for longer than it takes them to refill are dropped.
type RateLimiter struct {
	buckets   map[string]*callerBucket
	mu        sync.Mutex
	rate      rate.Limit
	burst     int
	interval  time.Duration
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a new RateLimiter.
// requestsPerMinute: sustained requests allowed per caller (e.g., 60)
// burst: max requests in a burst (e.g., 10)
func NewRateLimiter(requestsPerMinute int, burst int) (*RateLimiter, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d requests per minute", requestsPerMinute)
	}
	if burst <= 0 {
		burst = 1
	}

	interval := time.Minute / time.Duration(requestsPerMinute)
	idleTTL := interval * time.Duration(burst)
	if idleTTL < minIdleTTL {
		idleTTL = minIdleTTL
	}

	return &RateLimiter{
		buckets:  make(map[string]*callerBucket),
		rate:     rate.Every(interval),
		burst:    burst,
		interval: interval,
		idleTTL:  idleTTL,
		now:      time.Now,
	}, nil
}

// limiter returns the bucket of a caller, creating it on first use.
func (l *RateLimiter) limiter(callerID string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}

	bucket, exists := l.buckets[callerID]
	if !exists {
		bucket = &callerBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[callerID] = bucket
	}
	bucket.lastSeen = now

	return bucket.limiter
}

// sweep drops buckets that have been idle long enough to be full again.
// A fresh bucket for the same caller behaves identically.
func (l *RateLimiter) sweep(now time.Time) {
	for id, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.buckets, id)
		}
	}
	l.lastSweep = now
}

// retryAfter is the wait for one token, rounded up to whole seconds.
func (l *RateLimiter) retryAfter() string {
	seconds := (l.interval + time.Second - 1) / time.Second
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(int64(seconds), 10)
}

// Limit rejects requests over the caller's budget with 429. It must run
// after Authenticate; unauthenticated requests pass through untouched.
func (l *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := GetCallerFromContext(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if !l.limiter(caller.ID).Allow() {
			w.Header().Set("Retry-After", l.retryAfter())
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
