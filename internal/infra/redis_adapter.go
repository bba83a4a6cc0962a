// Package infra provides concrete infrastructure adapters for Redis.
//
// This adapter wraps go-redis v9 and implements the minimal client
// interfaces declared by the consuming packages: cluster.PresenceClient,
// session.RedisClient, and ratelimit.RedisClient. Consumers depend on
// those interfaces, not on this package, so tests run against in-memory
// fakes.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/titan/backend/internal/ratelimit"
)

// GoRedisAdapter wraps go-redis v9.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects and pings; a dead Redis fails the caller
// fast instead of surfacing as per-request timeouts later.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns (nil, nil) for a missing key; callers distinguish absence
// from infrastructure failure.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *GoRedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

// MGet preserves input order; missing keys yield nil entries.
func (a *GoRedisAdapter) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	vals, err := a.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// ScanKeys walks the keyspace with SCAN; KEYS would stall the server on
// large databases.
func (a *GoRedisAdapter) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (a *GoRedisAdapter) LPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

func (a *GoRedisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}

// RuleStates batches one rate-limit check's reads into a single
// pipeline round trip: the timeout key's TTL plus every counter's value
// and TTL.
func (a *GoRedisAdapter) RuleStates(ctx context.Context, timeoutKey string, counterKeys []string) (time.Duration, []ratelimit.CounterState, error) {
	pipe := a.rdb.Pipeline()
	timeoutTTL := pipe.TTL(ctx, timeoutKey)
	gets := make([]*redis.StringCmd, len(counterKeys))
	ttls := make([]*redis.DurationCmd, len(counterKeys))
	for i, key := range counterKeys {
		gets[i] = pipe.Get(ctx, key)
		ttls[i] = pipe.TTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, nil, err
	}

	// TTL returns -2 for a missing key and -1 for no expiry; both mean
	// "no timeout armed" here.
	armed := timeoutTTL.Val()
	if armed < 0 {
		armed = 0
	}

	states := make([]ratelimit.CounterState, len(counterKeys))
	for i := range counterKeys {
		val, err := gets[i].Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		ttl := ttls[i].Val()
		if ttl < 0 {
			ttl = 0
		}
		states[i] = ratelimit.CounterState{Exists: true, Value: val, TTL: ttl}
	}
	return armed, states, nil
}
