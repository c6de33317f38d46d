package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// WalletHeader carries the caller's wallet address.
const WalletHeader = "X-Wallet-Address"

type RateLimiter struct {
	store middleware.RateLimiterStore
}

// NewRateLimiter counts requests in Redis when a client is given, so the
// limit holds across instances, and in process memory otherwise.
func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if redisClient != nil {
		return &RateLimiter{store: &redisStore{redis: redisClient, limit: int64(perMinute), window: time.Minute, now: time.Now}}
	}
	return &RateLimiter{store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      float64(perMinute) / 60,
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})}
}

// SubmitRateLimit limits ticket submissions per wallet, or per IP for
// anonymous callers.
func (r *RateLimiter) SubmitRateLimit() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: r.store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if wallet := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(WalletHeader))); wallet != "" {
				return fmt.Sprintf("wallet:%s", wallet), nil
			}
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Unable to identify caller",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
			})
		},
	})
}

// redisStore is a fixed-window counter shared through Redis.
type redisStore struct {
	redis  redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
}

func (s *redisStore) key(identifier string) string {
	bucket := s.now().Unix() / int64(s.window/time.Second)
	return fmt.Sprintf("ratelimit:%s:%d", identifier, bucket)
}

// Allow fails open when Redis is unreachable.
func (s *redisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := s.key(identifier)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("Rate limit store unavailable", "error", err)
		return true, nil
	}
	if count == 1 {
		s.redis.Expire(ctx, key, s.window)
	}
	return count <= s.limit, nil
}

// BlockAutomatedAgents turns away clients that announce themselves as
// crawlers.
func BlockAutomatedAgents() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isSuspiciousUserAgent(c.Request().Header.Get("User-Agent")) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "Access denied",
				})
			}
			return next(c)
		}
	}
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
