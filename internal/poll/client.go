// Package poll implements the pull-based telemetry fabric: per-agent OTLP
// polling with circuit breakers, OTLP-JSON flattening, and agent-manager
// discovery.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client fetches OTLP-JSON signals from one agent endpoint. The bearer
// token is held privately and never appears in logs or errors.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for an agent's OTLP surface.
func NewClient(baseURL, token string, connectTimeout, totalTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Metrics fetches /v1/telemetry/otlp/metrics.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	return c.fetch(ctx, "metrics")
}

// Traces fetches /v1/telemetry/otlp/traces.
func (c *Client) Traces(ctx context.Context) (map[string]any, error) {
	return c.fetch(ctx, "traces")
}

// Logs fetches /v1/telemetry/otlp/logs.
func (c *Client) Logs(ctx context.Context) (map[string]any, error) {
	return c.fetch(ctx, "logs")
}

func (c *Client) fetch(ctx context.Context, signal string) (map[string]any, error) {
	url := fmt.Sprintf("%s/v1/telemetry/otlp/%s", c.baseURL, signal)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("poll: build %s request: %w", signal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: fetch %s: %w", signal, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("poll: fetch %s: unexpected status %d", signal, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("poll: decode %s: %w", signal, err)
	}
	return payload, nil
}
