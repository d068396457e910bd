// Package store is the Redis adapter behind the matchmaking queue, the room
// registry, and the global counters. Every command runs through a circuit
// breaker so a Redis outage degrades into fast failures instead of piled-up
// timeouts. Unlike a cache, this state is authoritative: errors are always
// returned to the caller, never swallowed.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/metrics"
)

// Config carries the connection settings for the shared state store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// delIfEquals deletes a key only while it still holds the expected value.
// Used to tear down user->room mappings without clobbering a mapping the
// user has since re-created for a different room.
var delIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewService connects to Redis and verifies connectivity before returning.
func NewService(cfg Config) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "Redis circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Client returns the underlying Redis client. The rate limiter store and
// readiness checks share the connection pool through it.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// execute funnels a command through the breaker and records per-operation
// metrics.
func (s *Service) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "rejected"
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
	}
	metrics.RedisOperationsTotal.WithLabelValues(op, status).Inc()
	return res, err
}

// --- Sorted set (waiting queue) ---

// ZAddNX inserts member with the given score unless it is already present.
// Returns true when the member was added.
func (s *Service) ZAddNX(ctx context.Context, key, member string, score float64) (bool, error) {
	res, err := s.execute("zaddnx", func() (interface{}, error) {
		return s.client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Result()
	})
	if err != nil {
		return false, fmt.Errorf("zaddnx %s: %w", key, err)
	}
	return res.(int64) > 0, nil
}

// ZPopMin atomically removes and returns the member with the lowest score.
// ok is false when the set is empty.
func (s *Service) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := s.execute("zpopmin", func() (interface{}, error) {
		return s.client.ZPopMin(ctx, key, 1).Result()
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("zpopmin %s: %w", key, err)
	}
	entries := res.([]redis.Z)
	if len(entries) == 0 {
		return "", 0, false, nil
	}
	member, _ := entries[0].Member.(string)
	return member, entries[0].Score, true, nil
}

// ZRem removes member from the sorted set. Returns true when it was present.
func (s *Service) ZRem(ctx context.Context, key, member string) (bool, error) {
	res, err := s.execute("zrem", func() (interface{}, error) {
		return s.client.ZRem(ctx, key, member).Result()
	})
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return res.(int64) > 0, nil
}

// ZCard returns the sorted set's size.
func (s *Service) ZCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute("zcard", func() (interface{}, error) {
		return s.client.ZCard(ctx, key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return res.(int64), nil
}

// ZScore returns member's score. ok is false when the member is absent.
func (s *Service) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	res, err := s.execute("zscore", func() (interface{}, error) {
		score, err := s.client.ZScore(ctx, key, member).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return score, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	if res == nil {
		return 0, false, nil
	}
	return res.(float64), true, nil
}

// --- Strings (room payloads, user->room mappings) ---

// SetWithTTL stores value at key with an expiry backstop.
func (s *Service) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute("set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get fetches the string at key. ok is false when the key is absent.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute("get", func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Del removes the given keys unconditionally.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.execute("del", func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

// DelIfEquals removes key only if it still holds expected. Returns true when
// the key was deleted.
func (s *Service) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.execute("delifeq", func() (interface{}, error) {
		return delIfEquals.Run(ctx, s.client, []string{key}, expected).Result()
	})
	if err != nil {
		return false, fmt.Errorf("delifeq %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n > 0, nil
}

// --- Sets (active room index) ---

// SAdd adds a member to a set.
func (s *Service) SAdd(ctx context.Context, key, member string) error {
	_, err := s.execute("sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes a member from a set. Returns true when it was present.
func (s *Service) SRem(ctx context.Context, key, member string) (bool, error) {
	res, err := s.execute("srem", func() (interface{}, error) {
		return s.client.SRem(ctx, key, member).Result()
	})
	if err != nil {
		return false, fmt.Errorf("srem %s: %w", key, err)
	}
	return res.(int64) > 0, nil
}

// SCard returns the set's size.
func (s *Service) SCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute("scard", func() (interface{}, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return res.(int64), nil
}

// SMembers retrieves all members of a set.
func (s *Service) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return res.([]string), nil
}

// --- Hashes (global counters) ---

// HIncrBy increments a hash field and returns the new value.
func (s *Service) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	res, err := s.execute("hincrby", func() (interface{}, error) {
		return s.client.HIncrBy(ctx, key, field, incr).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("hincrby %s.%s: %w", key, field, err)
	}
	return res.(int64), nil
}

// HGetInt reads a hash field as an integer. A missing field reads as zero.
func (s *Service) HGetInt(ctx context.Context, key, field string) (int64, error) {
	res, err := s.execute("hget", func() (interface{}, error) {
		val, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return 0, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	if res == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(res.(string), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("hget %s.%s: non-numeric value: %w", key, field, err)
	}
	return n, nil
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.execute("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
