package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         30,
	}
}

// RateLimiter implements rate limiting using a token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new in-process rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.capacity(),
			lastUpdate: time.Now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)

	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Cleanup removes buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context, log *logrus.Logger) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer observability.RecoverPanic(log, "ratelimit.cleanup")
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per authenticated user, or per client
// IP for anonymous requests. With a Redis client the limit is shared across
// instances and the in-process limiter only serves while Redis is down.
type RateLimitMiddleware struct {
	local       *RateLimiter
	distributed *DistributedRateLimiter
	log         *logrus.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware. redisClient
// may be nil.
func NewRateLimitMiddleware(config *RateLimitConfig, redisClient *redis.Client, log *logrus.Logger) *RateLimitMiddleware {
	if log == nil {
		log = logrus.New()
	}
	m := &RateLimitMiddleware{
		local: NewRateLimiter(config),
		log:   log,
	}
	if redisClient != nil {
		m.distributed = NewDistributedRateLimiter(redisClient, config, "odometer:ratelimit")
	}
	return m
}

// Local returns the in-process limiter so callers can start its cleanup loop
func (m *RateLimitMiddleware) Local() *RateLimiter {
	return m.local
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)

		if m.distributed != nil {
			allowed, err := m.distributed.Allow(r.Context(), key)
			if err == nil {
				if !allowed {
					m.distributed.rateLimitExceeded(r.Context(), w, key)
					return
				}
				m.distributed.setHeaders(r.Context(), w, key)
				next.ServeHTTP(w, r)
				return
			}
			observability.FromContext(r.Context(), m.log).
				WithError(err).
				Warn("Distributed rate limiter unavailable, using local limits")
		}

		if !m.local.Allow(key) {
			writeRateLimited(w, m.local.config, m.local.config.WindowDuration)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.local.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", m.local.Remaining(key)))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(m.local.config.WindowDuration).Unix()))

		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if id := GetIdentity(r); id != nil {
		return "user:" + id.UserID.String()
	}
	return "ip:" + getClientIP(r)
}

func writeRateLimited(w http.ResponseWriter, config *RateLimitConfig, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(retryAfter).Unix()))
	httputil.WriteDetailedError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded",
		map[string]interface{}{"retry_after": seconds})
}

// getClientIP returns the first forwarded address, else the peer address
// without its port
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
