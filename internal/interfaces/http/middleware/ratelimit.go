package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/clinicdesk/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
)

// RateLimiter is a fixed-window request counter per key. Idle keys expire
// with the window, so unauthenticated callers cannot grow it without bound.
type RateLimiter struct {
	mu      sync.Mutex
	windows *gocache.Cache
	limit   int
	window  time.Duration
	now     func() time.Time
}

type rateWindow struct {
	used    int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per key in every window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: gocache.New(window, 2*window),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow consumes one request for key and reports whether it is within the limit
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.current(key, now)
	if w.used >= rl.limit {
		return false
	}
	w.used++
	rl.windows.Set(key, w, w.resetAt.Sub(now))
	return true
}

// Remaining returns the requests left for key in the current window
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limit - rl.current(key, rl.now()).used
}

// Limit returns the per-window limit
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

func (rl *RateLimiter) current(key string, now time.Time) *rateWindow {
	if v, ok := rl.windows.Get(key); ok {
		if w := v.(*rateWindow); now.Before(w.resetAt) {
			return w
		}
	}
	return &rateWindow{resetAt: now.Add(rl.window)}
}

// RateLimit limits requests per client IP. It guards the unauthenticated
// public lookup, where every miss is a guessed hash.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return RateLimitByKey(limiter, func(c *gin.Context) string { return c.ClientIP() })
}

// RateLimitByKey limits requests per key returned by keyFunc
func RateLimitByKey(limiter *RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		if !limiter.Allow(key) {
			c.Header("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRateLimited,
				"Too many requests. Please try again later.",
				GetRequestID(c),
			))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
		c.Next()
	}
}
