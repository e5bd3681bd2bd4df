package middle

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mstgnz/nativepay/infra/response"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL         = time.Hour
	limiterCleanupInterval = 5 * time.Minute
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limiters sync.Map // ip -> *limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

// NewRateLimiter allows perMinute requests per IP with the given burst. The
// stale-entry sweeper stops when ctx is done.
func NewRateLimiter(ctx context.Context, perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	if burst <= 0 {
		burst = 1
	}

	rl := &RateLimiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		now:   time.Now,
	}

	go rl.cleanup(ctx, limiterCleanupInterval)

	return rl
}

func (rl *RateLimiter) entry(clientIP string) *limiterEntry {
	if v, ok := rl.limiters.Load(clientIP); ok {
		e := v.(*limiterEntry)
		e.mu.Lock()
		e.lastAccess = rl.now()
		e.mu.Unlock()
		return e
	}

	fresh := &limiterEntry{
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: rl.now(),
	}
	v, _ := rl.limiters.LoadOrStore(clientIP, fresh)
	return v.(*limiterEntry)
}

// Allow reports whether clientIP may proceed and, if not, how long it should wait.
func (rl *RateLimiter) Allow(clientIP string) (bool, time.Duration) {
	limiter := rl.entry(clientIP).limiter
	if limiter.Allow() {
		return true, 0
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

// sweep drops limiters idle for longer than limiterIdleTTL.
func (rl *RateLimiter) sweep() {
	threshold := rl.now().Add(-limiterIdleTTL)
	rl.limiters.Range(func(key, value any) bool {
		e := value.(*limiterEntry)
		e.mu.Lock()
		stale := e.lastAccess.Before(threshold)
		e.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// RateLimitMiddleware answers 429 with Retry-After once an IP exhausts its bucket.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := rl.Allow(GetClientIP(r))
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				response.Error(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClientIP extracts the real client IP
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	if host == "::1" {
		return "127.0.0.1"
	}
	return host
}
