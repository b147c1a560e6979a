package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures keyed rate limiting.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// AuthRateLimitConfig returns the limits applied to secret-checking routes:
// one attempt per second with a burst of 5.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (client IP, mailbox).
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     RateLimitConfig
	stopCh  chan struct{}
	once    sync.Once
	nowFunc func() time.Time
}

// NewKeyedLimiter creates a limiter and starts background cleanup.
func NewKeyedLimiter(cfg RateLimitConfig) *KeyedLimiter {
	rl := &KeyedLimiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		nowFunc: time.Now,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a request for key is allowed.
func (rl *KeyedLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = rl.nowFunc()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Len returns the number of tracked keys.
func (rl *KeyedLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop terminates the background cleanup goroutine.
func (rl *KeyedLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *KeyedLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.nowFunc().Add(-rl.cfg.MaxAge)
	for key, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}

// RateLimit returns middleware that limits requests by the key keyFunc
// derives from the request. Throttled requests get 429 with Retry-After.
func RateLimit(limiter *KeyedLimiter, keyFunc func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !limiter.Allow(key) {
				logger.Warn("rate limit exceeded",
					"key", key,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the client address of r without its port. chi's RealIP
// middleware should run first when the server sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
