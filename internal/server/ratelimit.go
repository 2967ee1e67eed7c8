package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/lessucettes/redlight/internal/config"
	"github.com/lessucettes/redlight/internal/metrics"
)

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limiters *lru.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	mu       sync.Mutex
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRateLimiter returns nil when limiting is disabled.
func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics, logger *slog.Logger) *RateLimiter {
	if !cfg.Enabled || cfg.Rate <= 0 {
		return nil
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 65536
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute * 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &RateLimiter{
		limiters: lru.NewLRU[string, *rate.Limiter](size, nil, ttl),
		rate:     rate.Limit(cfg.Rate),
		burst:    burst,
		metrics:  m,
		logger:   logger.With("component", "rate_limiter"),
	}
}

func (l *RateLimiter) Allow(key string) bool {
	return l.getLimiter(key).Allow()
}

func (l *RateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Get(key); ok {
		return limiter
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters.Get(key); ok {
		return limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.limiters.Add(key, limiter)
	return limiter
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			l.metrics.IncRateLimited()
			l.logger.Warn("Rate limit exceeded", "remote", ip)
			writeError(w, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
