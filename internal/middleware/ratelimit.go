package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter manages rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps int, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// getLimiter returns a rate limiter for a specific key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	limiter, exists = rl.limiters[key]
	if exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

// RateLimit middleware limits requests per account or IP
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get account ID first
		accountID, exists := c.Get(AuthContextKey)
		var key string

		if exists {
			key = fmt.Sprintf("account:%s", accountID)
		} else {
			// Fall back to IP address
			key = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		limiter := rl.getLimiter(key)
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// SubmitLimiter throttles job submissions using a shared counter, so the
// limit holds across API replicas.
type SubmitLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// SubmitLimit middleware caps job submissions per account per window
func SubmitLimit(limiter SubmitLimiter, limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, exists := GetAccountID(c)
		if !exists {
			c.Next()
			return
		}

		allowed, err := limiter.CheckRateLimit(c.Request.Context(), fmt.Sprintf("submit:%s", accountID), limit, window)
		if err != nil {
			// Fail open on limiter errors, a broken Redis should not block submissions
			c.Next()
			return
		}

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Submission limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
