package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the token-bucket limits. A zero rate disables that
// limiter.
type RateLimitConfig struct {
	ConnectionsPerMinute int     // socket upgrades per client IP
	MessagesPerSecond    float64 // socket frames per user
	Burst                int     // frame burst per user
	RequestsPerMinute    int     // HTTP API calls per caller
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// bucketSet keeps one token bucket per key
type bucketSet struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

func newBucketSet(limit rate.Limit, burst int) *bucketSet {
	if burst < 1 {
		burst = 1
	}
	return &bucketSet{
		entries: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
	}
}

func (b *bucketSet) allow(key string, now time.Time) bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.entries[key] = e
	}
	e.lastAccess = now
	b.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

func (b *bucketSet) evict(before time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.entries {
		if e.lastAccess.Before(before) {
			delete(b.entries, k)
		}
	}
}

func (b *bucketSet) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// rateLimiter applies the connection, message and request limits
type rateLimiter struct {
	connections *bucketSet
	messages    *bucketSet
	requests    *bucketSet
	idle        time.Duration
	now         func() time.Time
	done        chan struct{}
	stopOnce    sync.Once
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst == 0 {
		burst = int(cfg.MessagesPerSecond)
	}
	rl := &rateLimiter{
		connections: newBucketSet(perMinute(cfg.ConnectionsPerMinute), cfg.ConnectionsPerMinute),
		messages:    newBucketSet(rate.Limit(cfg.MessagesPerSecond), burst),
		requests:    newBucketSet(perMinute(cfg.RequestsPerMinute), cfg.RequestsPerMinute),
		idle:        10 * time.Minute,
		now:         time.Now,
		done:        make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return 0
	}
	return rate.Limit(float64(n) / 60)
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := rl.now().Add(-rl.idle)
			rl.connections.evict(cutoff)
			rl.messages.evict(cutoff)
			rl.requests.evict(cutoff)
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) allowConnection(ip string) bool {
	return rl.connections.allow(ip, rl.now())
}

func (rl *rateLimiter) allowMessage(userID string) bool {
	return rl.messages.allow(userID, rl.now())
}

// middleware limits API calls per authenticated user, falling back to the
// client IP.
func (rl *rateLimiter) middleware(onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if u, ok := userFrom(r.Context()); ok {
				key = "user:" + u.ID
			}
			if !rl.requests.allow(key, rl.now()) {
				if onLimited != nil {
					onLimited()
				}
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":   "rate_limited",
					"message": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the caller's address, preferring the first hop of
// X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
