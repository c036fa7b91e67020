package ratelimit_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
	"github.com/CIRISAI/CIRISLens-sub000/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newTestLimiter creates a limiter for testing. Do NOT call Close() on this
// limiter as it would close the shared testRedis client.
func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return ratelimit.New(testRedis, logger)
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	// Use unique prefix per test to avoid interference.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	// First 5 requests should be allowed.
	for i := 0; i < 5; i++ {
		result := limiter.Allow(ctx, rule, "partner-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	// 6th request should be denied.
	result := limiter.Allow(ctx, rule, "partner-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()), "ResetAt should be in the future")
}

func TestLimiterMultipleKeys(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-multi-%d", time.Now().UnixNano()),
		Limit:  3,
		Window: 1 * time.Minute,
	}

	// Each key has its own limit.
	for i := 0; i < 3; i++ {
		r1 := limiter.Allow(ctx, rule, "partner-A")
		r2 := limiter.Allow(ctx, rule, "partner-B")
		assert.True(t, r1.Allowed, "partner-A request %d", i+1)
		assert.True(t, r2.Allowed, "partner-B request %d", i+1)
	}

	// Both now at limit.
	rA := limiter.Allow(ctx, rule, "partner-A")
	rB := limiter.Allow(ctx, rule, "partner-B")
	assert.False(t, rA.Allowed)
	assert.False(t, rB.Allowed)
}

func TestLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	// Use a short window so we can test expiration.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-window-%d", time.Now().UnixNano()),
		Limit:  2,
		Window: 500 * time.Millisecond,
	}

	// Use up the limit.
	r1 := limiter.Allow(ctx, rule, "partner-X")
	r2 := limiter.Allow(ctx, rule, "partner-X")
	r3 := limiter.Allow(ctx, rule, "partner-X")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)

	// Wait for window to pass.
	time.Sleep(600 * time.Millisecond)

	// Should be allowed again.
	r4 := limiter.Allow(ctx, rule, "partner-X")
	assert.True(t, r4.Allowed, "request after window should be allowed")
}

func TestLimiterMemoryBackend(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Nil Redis client selects the in-memory backend; limits still apply.
	limiter := ratelimit.New(nil, logger)
	defer limiter.Close()

	rule := ratelimit.Rule{Prefix: "test-mem", Limit: 2, Window: time.Minute}

	r1 := limiter.Allow(ctx, rule, "partner")
	r2 := limiter.Allow(ctx, rule, "partner")
	r3 := limiter.Allow(ctx, rule, "partner")
	require.True(t, r1.Allowed)
	require.True(t, r2.Allowed)
	assert.False(t, r3.Allowed, "memory backend should enforce the limit")
}

func TestLimiterDisabled(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	limiter := ratelimit.NewDisabled(logger)

	rule := ratelimit.Rule{Prefix: "test-disabled", Limit: 1, Window: time.Minute}

	for i := 0; i < 100; i++ {
		result := limiter.Allow(ctx, rule, "anyone")
		require.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	result := ratelimit.Result{
		Allowed:   true,
		Limit:     100,
		Remaining: 42,
		ResetAt:   resetAt,
	}

	headers := result.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}

func TestRuleForTier(t *testing.T) {
	full := ratelimit.RuleForTier(auth.TierFull)
	partner := ratelimit.RuleForTier(auth.TierPartner)
	public := ratelimit.RuleForTier(auth.TierPublic)

	assert.Equal(t, 1000, full.Limit)
	assert.Equal(t, 100, partner.Limit)
	assert.Equal(t, 20, public.Limit)
	for _, rule := range []ratelimit.Rule{full, partner, public} {
		assert.Equal(t, time.Minute, rule.Window)
	}

	// Unknown tiers collapse to the public budget.
	assert.Equal(t, public, ratelimit.RuleForTier(auth.Tier("whatever")))
}

func TestLimiterDifferentPrefixes(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	base := time.Now().UnixNano()

	ingestRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("ingest-%d", base),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	queryRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("query-%d", base),
		Limit:  100,
		Window: 1 * time.Minute,
	}

	// Exhaust ingest limit.
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, ingestRule, "partner")
	}
	ingestResult := limiter.Allow(ctx, ingestRule, "partner")
	assert.False(t, ingestResult.Allowed, "ingest limit exceeded")

	// Query limit still available.
	queryResult := limiter.Allow(ctx, queryRule, "partner")
	assert.True(t, queryResult.Allowed, "query should be allowed")
	assert.Equal(t, 99, queryResult.Remaining)
}
