package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const visitorIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per key with the given burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	perSecond := float64(perMinute) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
}

// Allow reports whether a request for key may proceed. A nil limiter allows everything.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) > visitorIdleTTL {
		for id, v := range r.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(r.visitors, id)
			}
		}
		r.lastPrune = now
	}

	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.perSecond, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Middleware limits requests per client IP
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow("ip:" + c.ClientIP()) {
			writeError(c, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
			return
		}
		c.Next()
	}
}
