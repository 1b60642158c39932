package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"

	"credits-generator/internal/redisconn"
)

// RateLimitConfig bounds request throughput. GlobalRPS caps every request;
// WriteLimit caps mutating /api requests per client IP within WriteWindow.
// When Redis is configured the per-client counters are shared between
// replicas.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	WriteLimit  int
	WriteWindow time.Duration
	Redis       redisconn.Config
}

type rateLimiter struct {
	global  *rate.Limiter
	writes  *httprate.RateLimiter
	counter *redisCounter
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger) (*rateLimiter, error) {
	rl := &rateLimiter{}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if cfg.WriteLimit <= 0 {
		return rl, nil
	}

	window := cfg.WriteWindow
	if window <= 0 {
		window = time.Minute
	}
	options := []httprate.Option{
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "too many write requests", http.StatusTooManyRequests)
		}),
		httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			if logger != nil {
				logger.Error("rate limiter failure", "error", err)
			}
			http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
		}),
	}
	if cfg.Redis.Enabled() {
		counter, err := newRedisCounter(cfg.Redis, "credits:ratelimit:")
		if err != nil {
			return nil, err
		}
		rl.counter = counter
		options = append(options, httprate.WithLimitCounter(counter))
	}
	rl.writes = httprate.NewRateLimiter(cfg.WriteLimit, window, options...)
	return rl, nil
}

// AllowRequest reports whether the global bucket has a token left.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) Close() error {
	if r == nil || r.counter == nil {
		return nil
	}
	return r.counter.Close()
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	writes := next
	if rl.writes != nil {
		writes = rl.writes.Handler(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if shouldAudit(r) {
			writes.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
