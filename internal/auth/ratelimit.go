// ratelimit.go -- per-client token bucket limiter for /api/auth/*.
package auth

import (
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/temto-app/auth/internal/metrics"
)

// limiterIdle is how long a client's bucket survives without requests.
const limiterIdle = 3 * time.Minute

// RateLimiter holds one token bucket per client IP. Idle buckets expire out of the cache.
type RateLimiter struct {
	limiters *cache.Cache
	rate     rate.Limit
	burst    int
	metrics  *metrics.Metrics
}

// NewRateLimiter allows rps requests per second per client with the given burst.
// m may be nil.
func NewRateLimiter(rps float64, burst int, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		limiters: cache.New(limiterIdle, time.Minute),
		rate:     rate.Limit(rps),
		burst:    burst,
		metrics:  m,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := rl.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		rl.limiters.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	if err := rl.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		// Another request created it first.
		if v, ok := rl.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Middleware rejects over-limit clients with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			rl.metrics.RateLimited()
			logWarn(r, "rate limit exceeded")
			retry := 1
			if rl.rate > 0 {
				retry = max(1, int(1/float64(rl.rate)+0.5))
			}
			TooManyRequests(w, strconv.Itoa(retry))
			return
		}
		next.ServeHTTP(w, r)
	})
}
