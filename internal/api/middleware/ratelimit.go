package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTimeout drops a client's limiter after this long without requests
	IdleTimeout time.Duration
	TrustedIPs  []string
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP. Device commands share one bus,
// so a runaway client would otherwise starve the poller.
type RateLimiter struct {
	config  RateLimitConfig
	logger  logger.Interface
	mu      sync.Mutex
	clients map[string]*client
	trusted map[string]bool
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, log logger.Interface) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	trusted := make(map[string]bool, len(config.TrustedIPs))
	for _, ip := range config.TrustedIPs {
		trusted[ip] = true
	}

	rl := &RateLimiter{
		config:  config,
		logger:  log.WithField("component", "ratelimit"),
		clients: make(map[string]*client),
		trusted: trusted,
		now:     time.Now,
	}
	rl.logger.Info("Rate limiter initialized",
		"requests_per_minute", config.RequestsPerMinute,
		"burst_size", config.BurstSize)
	return rl
}

// RateLimit returns the middleware. A zero RequestsPerMinute disables it.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if rl.config.RequestsPerMinute <= 0 || rl.trusted[ip] {
			c.Next()
			return
		}

		limiter := rl.limiter(ip)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.RequestsPerMinute))
		if !limiter.Allow() {
			rl.logger.Warn("Rate limit exceeded", "client_ip", ip, "method", c.Request.Method, "path", c.Request.URL.Path)
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate Limit Exceeded",
				"message": "Too many requests, please slow down",
			})
			return
		}
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
		c.Next()
	}
}

// limiter returns the limiter for ip, pruning idle clients on the way
func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.config.IdleTimeout {
			delete(rl.clients, key)
		}
	}

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &client{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.config.RequestsPerMinute)), rl.config.BurstSize),
		}
		rl.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// Clients returns how many clients are being tracked
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
