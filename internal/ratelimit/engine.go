package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/titan/backend/internal/errs"
)

// RedisClient is the slice of Redis this engine needs. The concrete
// adapter lives in internal/infra.
type RedisClient interface {
	// RuleStates pipelines one check's reads: the timeout key's
	// remaining TTL (zero when not armed) and each counter's state.
	RuleStates(ctx context.Context, timeoutKey string, counterKeys []string) (time.Duration, []CounterState, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// CounterState is one counter key's pipelined read result.
type CounterState struct {
	Exists bool
	Value  int64
	TTL    time.Duration
}

// RuleState reports one rule's counter against its bound at decision
// time; the gateway encodes these into the 429 response headers.
type RuleState struct {
	Hits          int64
	MaxHits       int64
	PeriodSeconds int
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Policy     string
	RetryAfter time.Duration
	Rules      []RuleState
}

// ConfigSource yields the current limiter configuration; the cached
// grain-backed source in this package is the production implementation.
type ConfigSource interface {
	Current(ctx context.Context) (Configuration, error)
}

const (
	keyPrefix  = "rl|"
	historyKey = "rl|history"
	historyCap = 300
)

func counterKey(partition, policy string, periodSeconds int) string {
	return fmt.Sprintf("rl|%s|%s|%d", partition, policy, periodSeconds)
}

func timeoutKey(partition, policy string) string {
	return fmt.Sprintf("rl|timeout|%s|%s", partition, policy)
}

// Engine evaluates policies against Redis counters.
type Engine struct {
	redis  RedisClient
	config ConfigSource

	total   atomic.Int64 // requests seen since boot, for history rows
	metrics *engineMetrics
}

func NewEngine(redis RedisClient, config ConfigSource) *Engine {
	return &Engine{redis: redis, config: config, metrics: newEngineMetrics()}
}

// Check evaluates one request for (partition, policy). Deny never
// increments counters; exhausting any rule arms the policy's timeout
// key and suppresses increments for the other rules.
func (e *Engine) Check(ctx context.Context, partition, policyName string) (Decision, error) {
	cfg, err := e.config.Current(ctx)
	if err != nil {
		return Decision{}, errs.TransientWrap(err, "rate limit config")
	}
	if !cfg.Enabled {
		return Decision{Allowed: true, Policy: policyName}, nil
	}
	policy, ok := cfg.Policies[policyName]
	if !ok || len(policy.Rules) == 0 {
		return Decision{Allowed: true, Policy: policyName}, nil
	}

	e.total.Add(1)

	tKey := timeoutKey(partition, policyName)
	cKeys := make([]string, len(policy.Rules))
	for i, rule := range policy.Rules {
		cKeys[i] = counterKey(partition, policyName, rule.PeriodSeconds)
	}

	timeoutTTL, counters, err := e.redis.RuleStates(ctx, tKey, cKeys)
	if err != nil {
		return Decision{}, errs.TransientWrap(err, "rate limit read for %s", partition)
	}

	rules := make([]RuleState, len(policy.Rules))
	for i, rule := range policy.Rules {
		rules[i] = RuleState{Hits: counters[i].Value, MaxHits: rule.MaxHits, PeriodSeconds: rule.PeriodSeconds}
	}

	// An armed timeout denies outright, counters untouched.
	if timeoutTTL > 0 {
		e.metrics.denied.WithLabelValues(policyName).Inc()
		return Decision{Policy: policyName, RetryAfter: timeoutTTL, Rules: rules}, nil
	}

	// A full window arms the timeout; no counter moves on a deny.
	for i, rule := range policy.Rules {
		if counters[i].Exists && counters[i].Value >= rule.MaxHits {
			ttl := time.Duration(rule.TimeoutSeconds) * time.Second
			if err := e.redis.SetEX(ctx, tKey, []byte("1"), ttl); err != nil {
				return Decision{}, errs.TransientWrap(err, "arm timeout for %s", partition)
			}
			e.metrics.denied.WithLabelValues(policyName).Inc()
			e.metrics.timeouts.WithLabelValues(policyName).Inc()
			return Decision{Policy: policyName, RetryAfter: ttl, Rules: rules}, nil
		}
	}

	for i, rule := range policy.Rules {
		n, err := e.redis.Incr(ctx, cKeys[i])
		if err != nil {
			return Decision{}, errs.TransientWrap(err, "increment %s", cKeys[i])
		}
		rules[i].Hits = n
		if n == 1 {
			period := time.Duration(rule.PeriodSeconds) * time.Second
			if err := e.redis.Expire(ctx, cKeys[i], period); err != nil {
				return Decision{}, errs.TransientWrap(err, "expire %s", cKeys[i])
			}
		}
	}
	e.metrics.allowed.WithLabelValues(policyName).Inc()
	return Decision{Allowed: true, Policy: policyName, Rules: rules}, nil
}

// ClearTimeout removes one partition+policy timeout key.
func (e *Engine) ClearTimeout(ctx context.Context, partition, policy string) error {
	return e.redis.Del(ctx, timeoutKey(partition, policy))
}

// ClearPartition wipes every counter and timeout for a partition.
func (e *Engine) ClearPartition(ctx context.Context, partition string) error {
	keys, err := e.redis.ScanKeys(ctx, "rl|"+partition+"|*")
	if err != nil {
		return err
	}
	tkeys, err := e.redis.ScanKeys(ctx, "rl|timeout|"+partition+"|*")
	if err != nil {
		return err
	}
	keys = append(keys, tkeys...)
	if len(keys) == 0 {
		return nil
	}
	return e.redis.Del(ctx, keys...)
}

// ClearAll wipes every rate-limit key, history included. Destructive;
// gated behind the admin surface.
func (e *Engine) ClearAll(ctx context.Context) error {
	keys, err := e.redis.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return e.redis.Del(ctx, keys...)
}

// HistoryEntry is one periodic snapshot pushed to the capped history
// list for dashboards.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	ActiveBuckets  int       `json:"active_buckets"`
	ActiveTimeouts int       `json:"active_timeouts"`
	TotalRequests  int64     `json:"total_requests"`
}

// RecordHistory snapshots current key counts into the history list,
// trimming it to the cap.
func (e *Engine) RecordHistory(ctx context.Context) error {
	keys, err := e.redis.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return err
	}
	var buckets, timeouts int
	for _, k := range keys {
		switch {
		case k == historyKey:
		case strings.HasPrefix(k, "rl|timeout|"):
			timeouts++
		default:
			buckets++
		}
	}
	entry, _ := json.Marshal(HistoryEntry{
		Timestamp:      time.Now().UTC(),
		ActiveBuckets:  buckets,
		ActiveTimeouts: timeouts,
		TotalRequests:  e.total.Load(),
	})
	if err := e.redis.LPush(ctx, historyKey, entry); err != nil {
		return err
	}
	return e.redis.LTrim(ctx, historyKey, 0, historyCap-1)
}

// RunHistory pushes a snapshot every interval until ctx is done, when
// metrics collection is enabled.
func (e *Engine) RunHistory(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := e.config.Current(ctx)
			if err != nil || !cfg.CollectMetrics {
				continue
			}
			if err := e.RecordHistory(ctx); err != nil {
				slog.Warn("rate limit history snapshot failed", "error", err)
			}
		}
	}
}

var (
	engineMetricsOnce sync.Once
	sharedEngine      *engineMetrics
)

type engineMetrics struct {
	allowed  *prometheus.CounterVec
	denied   *prometheus.CounterVec
	timeouts *prometheus.CounterVec
}

func newEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		sharedEngine = &engineMetrics{
			allowed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "titan_ratelimit_allowed_total",
				Help: "Requests admitted by the rate limiter",
			}, []string{"policy"}),
			denied: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "titan_ratelimit_denied_total",
				Help: "Requests denied by the rate limiter",
			}, []string{"policy"}),
			timeouts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "titan_ratelimit_timeouts_total",
				Help: "Timeout keys armed after a window filled",
			}, []string{"policy"}),
		}
	})
	return sharedEngine
}
