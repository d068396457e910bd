// Package ratelimit guards the public endpoints with IP-keyed limits. The
// limits live in Redis so every replica draws from one shared budget per
// client; clients here are anonymous, so IP is the only usable key.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/config"
	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/metrics"
)

// RateLimiter bundles the per-surface limiters.
type RateLimiter struct {
	apiPublic   *limiter.Limiter
	wsIP        *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds the limiters from the configured rate strings
// (ulule formatted, e.g. "100-M"). A nil Redis client selects the in-memory
// store: fine for a single instance, not shared across replicas.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	rl := &RateLimiter{store: store, redisClient: redisClient}
	if rl.apiPublic, err = newLimiter(store, "API public", cfg.RateLimitAPIPublic); err != nil {
		return nil, err
	}
	if rl.wsIP, err = newLimiter(store, "WS IP", cfg.RateLimitWsIP); err != nil {
		return nil, err
	}
	return rl, nil
}

func newLimiter(store limiter.Store, name, formatted string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid %s rate: %w", name, err)
	}
	return limiter.New(store, rate), nil
}

func newStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		logging.Warn(context.Background(), "rate limiter using memory store, limits are per-instance")
		return memory.NewStore(), nil
	}
	store, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "limiter:v1:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis store: %w", err)
	}
	logging.Info(context.Background(), "rate limiter using redis store")
	return store, nil
}

// PublicMiddleware enforces the per-IP budget on the plain HTTP endpoints.
func (rl *RateLimiter) PublicMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := rl.apiPublic.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: a broken limiter store must not take the API down.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		writeLimitHeaders(c, lctx)

		if lctx.Reached {
			rejectLimited(c, lctx, c.FullPath())
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket gates a websocket upgrade by client IP before the upgrade
// spends any resources. Returns true if allowed; on rejection the 429 has
// already been written.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		// Fail open here too.
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		rejectLimited(c, lctx, "websocket_connect")
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// writeLimitHeaders reports the remaining budget on every limited response.
func writeLimitHeaders(c *gin.Context, lctx limiter.Context) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
}

// rejectLimited aborts with 429 and a Retry-After derived from the window
// reset.
func rejectLimited(c *gin.Context, lctx limiter.Context, surface string) {
	metrics.RateLimitExceeded.WithLabelValues(surface, "ip").Inc()
	c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "too many requests",
		"retry_after": lctx.Reset,
	})
}
