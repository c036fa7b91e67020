package poll

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/config"
)

func TestClient_FetchSignals(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		require.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resourceMetrics": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc-token", time.Second, 5*time.Second)
	ctx := context.Background()

	payload, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, payload, "resourceMetrics")

	_, err = c.Traces(ctx)
	require.NoError(t, err)
	_, err = c.Logs(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/v1/telemetry/otlp/metrics",
		"/v1/telemetry/otlp/traces",
		"/v1/telemetry/otlp/logs",
	}, gotPaths)
}

func TestClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-token", time.Second, 5*time.Second)
	_, err := c.Metrics(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.NotContains(t, err.Error(), "bad-token", "tokens never appear in errors")
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second, 5*time.Second)
	_, err := c.Logs(context.Background())
	assert.Error(t, err)
}

func TestWorkerBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	s := &Supervisor{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		opts:   Options{FailureThreshold: 5, ResetTimeout: time.Minute},
	}
	s.opts.defaults()
	w := s.newWorker(config.SourceConfig{Name: "datum", BaseURL: "http://127.0.0.1:1", Interval: time.Second})

	fail := func() (any, error) { return nil, assert.AnError }
	for i := 0; i < 4; i++ {
		_, err := w.breaker.Execute(fail)
		require.Error(t, err)
		assert.Equal(t, gobreaker.StateClosed, w.breaker.State())
	}

	_, err := w.breaker.Execute(fail)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, w.breaker.State())

	// While open, calls short-circuit without reaching the agent.
	_, err = w.breaker.Execute(func() (any, error) {
		t.Fatal("must not execute while the circuit is open")
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
