//nolint:testpackage // Tests require access to internal fields for eviction and client state verification
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaConversion(t *testing.T) {
	assert.InDelta(t, 1.0, float64(PerMinute(60)), 0.0001)
	assert.InDelta(t, 0.1, float64(PerMinute(6)), 0.0001)
	assert.InDelta(t, 1.0, float64(PerHour(3600)), 0.0001)
	assert.InDelta(t, 5.0/3600.0, float64(PerHour(5)), 0.0001)
}

func TestLimiter_Allow(t *testing.T) {
	l := NewLimiter(PerMinute(10), 5)
	defer l.Stop()

	client := "test-client"

	for i := range 5 {
		assert.True(t, l.Allow(client), "request %d should be allowed", i+1)
	}

	assert.False(t, l.Allow(client), "request after burst should be rate limited")
}

func TestLimiter_DifferentClients(t *testing.T) {
	l := NewLimiter(PerMinute(10), 2)
	defer l.Stop()

	assert.True(t, l.Allow("client1"))
	assert.True(t, l.Allow("client1"))
	assert.False(t, l.Allow("client1"))

	// Different client still has quota
	assert.True(t, l.Allow("client2"))
	assert.True(t, l.Allow("client2"))
	assert.False(t, l.Allow("client2"))
}

func TestLimiter_HourlyQuota(t *testing.T) {
	l := NewLimiter(PerHour(5), 5)
	defer l.Stop()

	client := "submitter"

	for i := range 5 {
		assert.True(t, l.Allow(client), "submission %d should be allowed", i+1)
	}

	assert.False(t, l.Allow(client), "sixth submission in the hour should be rejected")

	retryAfter := l.retryAfter(client)
	assert.Greater(t, retryAfter, 60, "an hourly bucket refills in minutes, not seconds")
}

func TestLimiter_Middleware(t *testing.T) {
	l := NewLimiter(PerMinute(60), 2)
	defer l.Stop()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	middleware := l.Middleware(handler)

	for i := range 2 {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()

		middleware.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, "request %d should succeed", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()

	middleware.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestLimiter_MiddlewareWithAPIKey(t *testing.T) {
	l := NewLimiter(PerMinute(60), 2)
	defer l.Stop()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := l.Middleware(handler)

	// Requests with the same API key share one bucket even across IPs.
	for _, addr := range []string{"192.168.1.1:12345", "10.1.2.3:9999"} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("X-Api-Key", "test-key")
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()

		middleware.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Api-Key", "test-key")
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()

	middleware.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Different API key has a separate quota.
	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.Header.Set("X-Api-Key", "different-key")
	req2.RemoteAddr = "192.168.1.1:12345"
	rr2 := httptest.NewRecorder()

	middleware.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*http.Request)
		expected string
	}{
		{
			name: "with API key",
			setup: func(r *http.Request) {
				r.Header.Set("X-Api-Key", "my-api-key")
				r.RemoteAddr = "192.168.1.1:12345"
			},
			expected: "apikey:my-api-key",
		},
		{
			name: "with X-Forwarded-For",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "10.0.0.1, 172.16.0.1")
				r.RemoteAddr = "192.168.1.1:12345"
			},
			expected: "ip:10.0.0.1",
		},
		{
			name: "with remote address port",
			setup: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.1:54321"
			},
			expected: "ip:192.168.1.1",
		},
		{
			name: "with remote address no port",
			setup: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.1"
			},
			expected: "ip:192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			tt.setup(req)
			assert.Equal(t, tt.expected, clientID(req))
		})
	}
}

func TestLimiter_Evict(t *testing.T) {
	l := NewLimiter(PerMinute(60), 10)
	defer l.Stop()

	l.Allow("test-client")

	l.mu.RLock()
	_, exists := l.clients["test-client"]
	l.mu.RUnlock()
	require.True(t, exists)

	l.mu.Lock()
	if client, ok := l.clients["test-client"]; ok {
		client.lastAccess = time.Now().Add(-l.staleAfter - time.Minute)
	}
	l.mu.Unlock()

	l.evict()

	l.mu.RLock()
	_, exists = l.clients["test-client"]
	l.mu.RUnlock()
	assert.False(t, exists, "stale client should be removed")
}

func TestLimiter_EvictionOutlivesRefill(t *testing.T) {
	// An hourly bucket must not be evicted before it has fully refilled,
	// or eviction would hand the client a fresh burst early.
	l := NewLimiter(PerHour(5), 5)
	defer l.Stop()

	assert.Greater(t, l.staleAfter, time.Hour)

	l.Allow("submitter")

	l.mu.Lock()
	if client, ok := l.clients["submitter"]; ok {
		client.lastAccess = time.Now().Add(-15 * time.Minute)
	}
	l.mu.Unlock()

	l.evict()

	l.mu.RLock()
	_, exists := l.clients["submitter"]
	l.mu.RUnlock()
	assert.True(t, exists, "a bucket still refilling must survive eviction")
}

func TestLimiter_RetryAfterUnknownClient(t *testing.T) {
	l := NewLimiter(PerMinute(60), 10)
	defer l.Stop()

	assert.Equal(t, 1, l.retryAfter("unknown-client"))
}
