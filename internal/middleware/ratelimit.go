package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/jkindrix/callcore/internal/clock"
)

// maxVisitors bounds the clients tracked at once. The least recently seen
// client is forgotten first, which only ever grants it a fresh window.
const maxVisitors = 10000

// RateLimiter allows a fixed number of requests per client IP per window.
type RateLimiter struct {
	mu       sync.Mutex
	visitors *expirable.LRU[string, *visitor]
	rate     int
	window   time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter creates a rate limiter. Idle clients expire after two
// windows.
func NewRateLimiter(rate int, window time.Duration, clk clock.Clock, logger *zap.Logger) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		visitors: expirable.NewLRU[string, *visitor](maxVisitors, nil, 2*window),
		rate:     rate,
		window:   window,
		clock:    clk,
		logger:   logger,
	}
}

// allow takes a token for ip and reports whether one was left, along with
// the tokens remaining afterwards.
func (rl *RateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	v, ok := rl.visitors.Get(ip)
	if !ok || now.Sub(v.lastReset) >= rl.window {
		v = &visitor{tokens: rl.rate, lastReset: now}
		rl.visitors.Add(ip, v)
	}
	if v.tokens == 0 {
		return false, 0
	}
	v.tokens--
	return true, v.tokens
}

// retryAfter is the time until ip's window resets.
func (rl *RateLimiter) retryAfter(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors.Peek(ip)
	if !ok {
		return 0
	}
	return rl.window - rl.clock.Since(v.lastReset)
}

// RateLimit returns HTTP middleware that rate limits requests.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			ok, remaining := rl.allow(ip)
			if !ok {
				LoggerWithCorrelation(r.Context(), rl.logger).Warn("rate limit exceeded",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)
				secs := int(rl.retryAfter(ip).Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP address from a request, preferring the
// proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
