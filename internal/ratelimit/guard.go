package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/convertica/convertica/internal/identity"
)

// IPGuard is a process-local token bucket per client IP. It protects the
// operator endpoints, which read from the shared stores, against bursts; it
// does not replace the shared quotas of the Evaluator.
type IPGuard struct {
	mu       sync.Mutex
	limiters map[string]*guardEntry

	rps   float64
	burst int

	// entryTTL is how long entries are kept after last use
	entryTTL        time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type guardEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPGuard creates a guard allowing rps requests per second with burst.
func NewIPGuard(rps float64, burst int) *IPGuard {
	g := &IPGuard{
		limiters:        make(map[string]*guardEntry),
		rps:             rps,
		burst:           burst,
		entryTTL:        10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether a request from ip may proceed now.
func (g *IPGuard) Allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.limiters[ip]
	if !ok {
		entry = &guardEntry{limiter: rate.NewLimiter(rate.Limit(g.rps), g.burst)}
		g.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow()
}

// Middleware rejects requests over the per-IP budget with 429.
func (g *IPGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(identity.ClientIP(r)) {
			writeLimited(w, Decision{
				RetryAfter: time.Second,
				Message:    "Too many requests. Please slow down.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *IPGuard) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

// cleanup removes entries that haven't been accessed recently
func (g *IPGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.entryTTL)
	for ip, entry := range g.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(g.limiters, ip)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (g *IPGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}

// Count returns the number of tracked IPs.
func (g *IPGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
