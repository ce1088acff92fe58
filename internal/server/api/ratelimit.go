package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Endpoint tags group routes by cost so each class gets its own ceiling.
// Heartbeats are cheap and frequent; registration and mutation are not.
const (
	TagRegister  = "register"
	TagWrite     = "write"
	TagRead      = "read"
	TagHeartbeat = "heartbeat"
)

// tagLimit is the per-source ceiling for one endpoint tag.
type tagLimit struct {
	perMinute int
	burst     int
}

// defaultTagLimits are the spec'd ceilings per source IP.
var defaultTagLimits = map[string]tagLimit{
	TagRegister:  {perMinute: 30, burst: 10},
	TagWrite:     {perMinute: 60, burst: 20},
	TagRead:      {perMinute: 200, burst: 50},
	TagHeartbeat: {perMinute: 600, burst: 100},
}

// limiterTTL is how long an idle (tag, source) bucket survives before the
// pruner discards it.
const limiterTTL = 10 * time.Minute

// RateLimiter keeps a token bucket per (endpoint tag, source IP).
type RateLimiter struct {
	limits map[string]tagLimit

	mu      sync.Mutex
	buckets map[limiterKey]*limiterEntry
}

type limiterKey struct {
	tag string
	ip  string
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the default tag ceilings.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:  defaultTagLimits,
		buckets: make(map[limiterKey]*limiterEntry),
	}
}

// Allow reports whether one more request from ip under tag fits the ceiling.
// Unknown tags fall back to the read ceiling.
func (rl *RateLimiter) Allow(tag, ip string) bool {
	limit, ok := rl.limits[tag]
	if !ok {
		limit = rl.limits[TagRead]
	}

	key := limiterKey{tag: tag, ip: ip}
	now := time.Now()

	rl.mu.Lock()
	entry, ok := rl.buckets[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(limit.perMinute)/60.0), limit.burst),
		}
		rl.buckets[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Prune discards buckets idle past the TTL. Scheduled periodically so the
// map does not grow with every source address ever seen.
func (rl *RateLimiter) Prune() int {
	cutoff := time.Now().Add(-limiterTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, entry := range rl.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Limit returns a middleware enforcing the tag's ceiling per source IP.
// Chi's RealIP middleware runs first, so RemoteAddr is the client address
// even behind a reverse proxy.
func (rl *RateLimiter) Limit(tag string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(tag, sourceIP(r)) {
				ErrRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sourceIP strips the port from RemoteAddr, falling back to the raw value
// for non host:port forms.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
