// Package gateway provides report throttling for the device API
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatmesh/internal/observability"
)

const window = time.Minute

// fixedWindow increments the counter of the current window and starts its
// expiry on first use.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter throttles report submission per device. The limit depends on
// the tier, which is the platform the device registered with.
type RateLimiter struct {
	redis   redis.Cmdable
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                 bool                  `yaml:"enabled" toml:"enabled"`
	RedisAddr               string                `yaml:"redis_addr" toml:"redis_addr"`
	RedisPasswordEnv        string                `yaml:"redis_password_env" toml:"redis_password_env"`
	RedisDB                 int                   `yaml:"redis_db" toml:"redis_db"`
	DefaultReportsPerMinute int                   `yaml:"default_reports_per_minute" toml:"default_reports_per_minute"`
	Tiers                   map[string]TierLimits `yaml:"tiers" toml:"tiers"`
	IncludeHeaders          bool                  `yaml:"include_headers" toml:"include_headers"`
}

// TierLimits defines report limits per platform
type TierLimits struct {
	ReportsPerMinute int `yaml:"reports_per_minute" toml:"reports_per_minute"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RedisAddr:               "localhost:6379",
		RedisPasswordEnv:        "THREATMESH_REDIS_PASSWORD",
		DefaultReportsPerMinute: 120,
		Tiers:                   DefaultTiers(),
		IncludeHeaders:          true,
	}
}

// DefaultTiers returns per-platform limits. Sensors and servers forward
// traffic from many hosts and get more headroom than end-user devices.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"mobile":  {ReportsPerMinute: 60},
		"desktop": {ReportsPerMinute: 120},
		"server":  {ReportsPerMinute: 300},
		"sensor":  {ReportsPerMinute: 600},
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.Cmdable, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.DefaultReportsPerMinute <= 0 {
		cfg.DefaultReportsPerMinute = DefaultRateLimitConfig().DefaultReportsPerMinute
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}

	return &RateLimiter{
		redis:   client,
		logger:  logger.Named("ratelimit"),
		metrics: metrics,
		config:  cfg,
	}
}

// Limit returns the reports-per-minute limit of tier.
func (rl *RateLimiter) Limit(tier string) int {
	if limits, ok := rl.config.Tiers[tier]; ok && limits.ReportsPerMinute > 0 {
		return limits.ReportsPerMinute
	}
	return rl.config.DefaultReportsPerMinute
}

// Check counts one report from deviceID against its tier. Redis errors fail
// open: throttling is best effort and never blocks reporting.
func (rl *RateLimiter) Check(ctx context.Context, tier, deviceID string) (*RateLimitResult, error) {
	limit := rl.Limit(tier)
	redisKey := fmt.Sprintf("threatmesh:ratelimit:%s:%s:minute", tier, deviceID)
	now := time.Now()

	count, err := fixedWindow.Run(ctx, rl.redis, []string{redisKey}, window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing report", zap.String("device_id", deviceID), zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit, Tier: tier}, nil
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	res := decide(count, limit, ttl, now)
	res.Tier = tier
	if !res.Allowed {
		rl.metrics.RateLimited.Inc()
		rl.logger.Debug("Report rate limited",
			zap.String("device_id", deviceID),
			zap.String("tier", tier),
			zap.Int("count", count))
	}
	return res, nil
}

// decide turns the window count into a result.
func decide(count, limit int, ttl time.Duration, now time.Time) *RateLimitResult {
	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Report rate limit exceeded"
	}
	return res
}

// Middleware returns an HTTP middleware for rate limiting. Requests for
// which getClientID returns "" pass through; the handler deals with them.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)
			if clientID == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rl.Check(r.Context(), getTier(r), clientID)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				if !result.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
				}
			}

			if !result.Allowed {
				retry := int((result.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":%q,"retry_after":%d}`, result.Reason, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
