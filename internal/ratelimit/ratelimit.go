package ratelimit

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"imagegate/internal/auth"
	"imagegate/internal/config"
)

// Limiter holds one token bucket per API key, with a single shared bucket
// used when auth is disabled. A token bucket tolerates short bursts up to
// the configured burst size while still enforcing a steady-state rate.
type Limiter struct {
	enabled bool
	rps     rate.Limit
	burst   int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New builds a Limiter from configuration.
func New(cfg config.RateLimitConfig) *Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = config.DefaultRateLimitRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = config.DefaultRateLimitBurst
	}
	return &Limiter{
		enabled: cfg.Enabled,
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether rate limiting is active.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether one request for the given key may proceed now,
// consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.bucketFor(key).Allow()
}

// exemptPaths never count against a bucket; liveness probes must not be
// shed alongside real traffic.
var exemptPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Middleware enforces per-key admission control, keyed by the authenticated
// API key name (or a shared "" bucket when auth is disabled).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.enabled || exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := auth.KeyName(r.Context())
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
