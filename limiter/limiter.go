package limiter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/metrics"
)

// TooManyRequestsMessage is the body of a rejected request.
const TooManyRequestsMessage = "Too many requests"

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces global, per-client and concurrency limits.
type RateLimiter struct {
	logger        *zap.Logger
	globalLimiter *rate.Limiter
	clientRate    rate.Limit
	clientBurst   int
	maxConcurrent int
	now           func() time.Time

	mu          sync.Mutex
	clients     map[string]*clientLimiter
	currentConc int
}

// NewRateLimiter creates a RateLimiter. The global bucket bursts to twice
// its rate.
func NewRateLimiter(logger *zap.Logger, globalRPS, perClientRPS float64, perClientBurst, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		logger:        logger,
		globalLimiter: rate.NewLimiter(rate.Limit(globalRPS), max(1, int(globalRPS*2))),
		clientRate:    rate.Limit(perClientRPS),
		clientBurst:   perClientBurst,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		clients:       make(map[string]*clientLimiter),
	}
}

// NewFromConfig creates a RateLimiter from the rate_limit section.
func NewFromConfig(logger *zap.Logger, cfg *config.Config) *RateLimiter {
	rl := cfg.RateLimit
	return NewRateLimiter(logger, rl.RequestsPerSecond, rl.PerClientRPS, rl.PerClientBurst, rl.MaxConcurrent)
}

func (rl *RateLimiter) clientLimiter(client string) *rate.Limiter {
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.clientRate, rl.clientBurst)}
		rl.clients[client] = c
	}
	c.lastSeen = rl.now()
	return c.limiter
}

// Allow reports whether a request from client may start now. Every true
// result must be paired with a call to Done.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.currentConc >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	now := time.Now()
	global := rl.globalLimiter.ReserveN(now, 1)
	if !global.OK() || global.DelayFrom(now) > 0 {
		global.CancelAt(now)
		metrics.RateLimitHits.Inc()
		return false
	}
	if !rl.clientLimiter(client).AllowN(now, 1) {
		// a throttled client gives the global token back
		global.CancelAt(now)
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.currentConc++
	return true
}

// Done frees the concurrency slot taken by a successful Allow.
func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.currentConc > 0 {
		rl.currentConc--
	}
	rl.mu.Unlock()
}

// InFlight returns the number of requests holding a concurrency slot.
func (rl *RateLimiter) InFlight() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentConc
}

// Middleware rejects requests over any limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientKey(r)
		if !rl.Allow(client) {
			rl.logger.Debug("request throttled", zap.String("client", client), zap.String("path", r.URL.Path))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": TooManyRequestsMessage})
			return
		}
		defer rl.Done()

		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by the host part of the remote address.
// Forwarding headers are ignored since any caller can set them.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Prune drops client limiters idle for longer than ttl and returns how
// many were removed.
func (rl *RateLimiter) Prune(ttl time.Duration) int {
	cutoff := rl.now().Add(-ttl)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for client, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle client limiters every interval until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.Prune(interval); n > 0 {
					rl.logger.Debug("pruned idle client limiters", zap.Int("count", n))
				}
			}
		}
	}()
}
