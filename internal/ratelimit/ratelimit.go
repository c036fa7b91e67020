// Package ratelimit enforces the per-tier request limits on the query API.
//
// Two backends share one surface: a Redis sliding window for multi-instance
// deployments, and an in-memory token bucket for the single-binary default.
// Pass a nil Redis client to New to select the in-memory backend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one limit: at most Limit requests per Window per key,
// namespaced by Prefix so different endpoints do not share budgets.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders renders the standard X-RateLimit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter enforces rules against one of the two backends. Limiter errors
// fail open: a broken Redis must not take the read API down with it.
type Limiter struct {
	rdb      *redis.Client
	mem      *MemoryLimiter
	logger   *slog.Logger
	disabled bool
}

// New creates a limiter. A nil Redis client selects the in-memory backend.
func New(rdb *redis.Client, logger *slog.Logger) *Limiter {
	l := &Limiter{rdb: rdb, logger: logger}
	if rdb == nil {
		// Rate and burst are supplied per rule; the shared bucket store
		// only needs the eviction goroutine.
		l.mem = NewMemoryLimiter(0, 0)
	}
	return l
}

// NewDisabled creates a limiter that permits everything. For tests and
// explicit opt-out.
func NewDisabled(logger *slog.Logger) *Limiter {
	return &Limiter{logger: logger, disabled: true}
}

// Allow decides whether the request identified by key may proceed under rule.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if l.disabled {
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}
	}
	if l.rdb == nil {
		return l.mem.allowRule(rule, key)
	}
	return l.allowRedis(ctx, rule, key)
}

// Close releases backend resources.
func (l *Limiter) Close() error {
	if l.mem != nil {
		return l.mem.Close()
	}
	return nil
}

// allowRedis implements a sliding window over a sorted set per key. Member
// IDs are microsecond timestamps, so two requests landing in the same
// microsecond can collapse into one count; the variance is bounded and
// acceptable for minute-scale windows.
func (l *Limiter) allowRedis(ctx context.Context, rule Rule, key string) Result {
	now := time.Now()
	redisKey := fmt.Sprintf("ratelimit:%s:%s", rule.Prefix, key)
	windowStart := now.Add(-rule.Window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey,
		"0", strconv.FormatInt(windowStart.UnixMicro(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: strconv.FormatInt(now.UnixMicro(), 10),
	})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rule.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: availability of the read API beats strictness here.
		l.logger.Warn("rate limiter backend error, failing open", "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	}

	n := int(count.Val())
	remaining := rule.Limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   n <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(rule.Window),
	}
}
