package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"
)

const (
	evictInterval    = 5 * time.Minute
	minStaleAfter    = 10 * time.Minute
	apiKeyHeader     = "X-Api-Key" //nolint:gosec // This is a header name, not a credential
	xForwardedForHdr = "X-Forwarded-For"

	secondsPerMinute = 60.0
	secondsPerHour   = 3600.0
)

// PerMinute converts a requests-per-minute quota into a refill rate.
func PerMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / secondsPerMinute)
}

// PerHour converts a requests-per-hour quota into a refill rate.
func PerHour(n int) rate.Limit {
	return rate.Limit(float64(n) / secondsPerHour)
}

// Limiter is a token bucket rate limiter that tracks clients by API key
// or IP. Submission and read routes carry separate Limiter instances, so
// a burst of status polls cannot spend the fix submission quota.
type Limiter struct {
	clients    map[string]*clientLimiter
	mu         sync.RWMutex
	limit      rate.Limit
	burst      int
	staleAfter time.Duration
	stopEvict  chan struct{}
}

// clientLimiter tracks a client's bucket and last access time.
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLimiter creates a rate limiter and starts its eviction goroutine.
func NewLimiter(limit rate.Limit, burst int) *Limiter {
	// Evicting an entry hands the client a full bucket on its next
	// request, so entries must outlive a complete refill or slow
	// quotas reset early.
	staleAfter := minStaleAfter
	if limit > 0 {
		refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second))
		if refill > 0 {
			staleAfter += refill
		}
	}

	l := &Limiter{
		clients:    make(map[string]*clientLimiter),
		limit:      limit,
		burst:      burst,
		staleAfter: staleAfter,
		stopEvict:  make(chan struct{}),
	}

	go l.evictLoop()

	return l
}

// Stop stops the limiter's eviction goroutine.
func (l *Limiter) Stop() {
	close(l.stopEvict)
}

// Allow checks if a request from the given client is allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.getClientLimiter(clientID).Allow()
}

// getClientLimiter retrieves or creates a bucket for a client.
func (l *Limiter) getClientLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if client, exists := l.clients[clientID]; exists {
		client.lastAccess = time.Now()
		return client.limiter
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.clients[clientID] = &clientLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// evictLoop periodically removes stale client buckets.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-l.stopEvict:
			return
		}
	}
}

// evict removes client buckets that have not been touched recently.
func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	staleThreshold := time.Now().Add(-l.staleAfter)
	for clientID, client := range l.clients {
		if client.lastAccess.Before(staleThreshold) {
			delete(l.clients, clientID)
		}
	}
}

// retryAfter calculates in whole seconds when the client can retry.
func (l *Limiter) retryAfter(clientID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	client, exists := l.clients[clientID]
	if !exists {
		return 1
	}

	reservation := client.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	if delay <= 0 {
		return 1
	}
	return int(delay.Seconds()) + 1
}

// clientID extracts a unique identifier for the client. API keys beat
// forwarded addresses so keyed integrations keep their quota across IPs.
func clientID(r *http.Request) string {
	if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
		return "apikey:" + apiKey
	}

	if xff := r.Header.Get(xForwardedForHdr); xff != "" {
		// X-Forwarded-For lists client then proxies; the first entry
		// is the caller.
		ips := strings.Split(xff, ",")
		firstIP := strings.TrimSpace(ips[0])
		if host, _, err := net.SplitHostPort(firstIP); err == nil {
			return "ip:" + host
		}
		return "ip:" + firstIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware creates an HTTP middleware that applies rate limiting.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := util.Log(ctx)

		client := clientID(r)

		if !l.Allow(client) {
			retryAfter := l.retryAfter(client)

			log.Warn("rate limit exceeded",
				"client_id", client,
				"path", r.URL.Path,
				"retry_after", retryAfter,
			)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			response := map[string]any{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please retry after " + strconv.Itoa(retryAfter) + " seconds.",
				"retry_after": retryAfter,
			}
			_ = json.NewEncoder(w).Encode(response)
			return
		}

		next.ServeHTTP(w, r)
	})
}
