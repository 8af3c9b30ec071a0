package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter holds a token-bucket limiter per client key and evicts idle
// entries so the map does not grow without bound.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      rate.Limit
	burst    int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per key with a 2x burst.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(rps),
		burst:    rps * 2,
	}
}

// Allow reports whether the key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	entry, ok := r.limiters[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	r.mu.Unlock()

	return entry.limiter.Allow()
}

// Sweep drops limiters idle for longer than maxIdle.
func (r *RateLimiter) Sweep(maxIdle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

// RateLimit limits requests per client IP.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
