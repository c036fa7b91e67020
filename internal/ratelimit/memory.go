package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	rate       float64 // tokens added per second
	burst      float64 // maximum tokens (bucket capacity)
	lastAccess time.Time
}

// MemoryLimiter is the in-memory token bucket backend. Each (rule prefix,
// key) pair gets an independent bucket whose refill rate and capacity come
// from the rule: sustained Limit/Window with a full-Limit burst. A
// background goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	defaultRate  float64
	defaultBurst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. The rate and burst act
// as defaults for Allow; rule-driven calls carry their own.
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		defaultRate:  rate,
		defaultBurst: float64(burst),
		buckets:      make(map[string]*bucket),
		done:         make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the default-parameter bucket for key.
func (m *MemoryLimiter) Allow(key string) bool {
	return m.take(key, m.defaultRate, m.defaultBurst)
}

// allowRule consumes one token from the bucket derived from rule.
func (m *MemoryLimiter) allowRule(rule Rule, key string) Result {
	rate := float64(rule.Limit) / rule.Window.Seconds()
	bucketKey := fmt.Sprintf("%s:%s", rule.Prefix, key)
	allowed := m.take(bucketKey, rate, float64(rule.Limit))

	m.mu.Lock()
	remaining := 0
	if b, ok := m.buckets[bucketKey]; ok {
		remaining = int(b.tokens)
	}
	m.mu.Unlock()

	return Result{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(rule.Window),
	}
}

func (m *MemoryLimiter) take(key string, rate, burst float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		m.buckets[key] = &bucket{
			tokens:     burst - 1,
			rate:       rate,
			burst:      burst,
			lastAccess: now,
		}
		return burst >= 1
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
