package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client address with a token bucket
type RateLimiter struct {
	mu             sync.Mutex
	clients        *expirable.LRU[string, *rate.Limiter]
	requestsPerMin int
	burst          int
}

// NewRateLimiter creates a new rate limiter with the specified requests per minute.
// Idle clients are forgotten after 10 minutes.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	burst := requestsPerMin
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients:        expirable.NewLRU[string, *rate.Limiter](1024, nil, 10*time.Minute),
		requestsPerMin: requestsPerMin,
		burst:          burst,
	}
}

// Middleware returns an HTTP middleware that enforces rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	if rl.requestsPerMin <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.clients.Get(client)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.requestsPerMin)), rl.burst)
		rl.clients.Add(client, lim)
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// clientKey strips the port so one browser counts as one client.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
