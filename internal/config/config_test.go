package config

import (
	"testing"
	"time"
)

func TestEnvIntParsesValue(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallsBackWhenUnset(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvDurationParsesValue(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvBoolParsesValue(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if envBool("TEST_BOOL_BAD", true) != true {
		t.Fatal("expected fallback for non-boolean value")
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.CollectionInterval != 30*time.Second {
		t.Fatalf("expected default collection interval 30s, got %s", cfg.CollectionInterval)
	}
	if cfg.RateLimitPublic != 20 {
		t.Fatalf("expected default public rate limit 20, got %d", cfg.RateLimitPublic)
	}
}

func TestValidateRejectsBadScoringWindow(t *testing.T) {
	t.Setenv("CIRISLENS_SCORING_WINDOW_DAYS", "365")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with out-of-range scoring window")
	}
}

func TestValidateRejectsInvertedBackoffBounds(t *testing.T) {
	t.Setenv("BACKOFF_INITIAL", "10m")
	t.Setenv("BACKOFF_MAX", "1s")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when BACKOFF_MAX < BACKOFF_INITIAL")
	}
}

func TestPollSourcesPairsTokenWithURL(t *testing.T) {
	environ := []string{
		"AGENT_DATUM_TOKEN=svc_abc",
		"AGENT_DATUM_URL=https://agents.ciris.ai/api/datum/",
		"AGENT_ORPHAN_TOKEN=svc_def", // no URL, should be skipped
		"AGENT__URL=https://empty-name.invalid",
		"UNRELATED=1",
	}
	sources := PollSources(environ, 30*time.Second)
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	src := sources[0]
	if src.Name != "datum" {
		t.Fatalf("expected lowercased name 'datum', got %q", src.Name)
	}
	if src.BaseURL != "https://agents.ciris.ai/api/datum" {
		t.Fatalf("expected trailing slash trimmed, got %q", src.BaseURL)
	}
	if src.Token != "svc_abc" {
		t.Fatal("expected token carried through")
	}
	if src.Interval != 30*time.Second {
		t.Fatalf("expected interval 30s, got %s", src.Interval)
	}
}

func TestPollSourcesEmptyEnviron(t *testing.T) {
	if sources := PollSources(nil, time.Minute); len(sources) != 0 {
		t.Fatalf("expected no sources, got %d", len(sources))
	}
}
