package lens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the CIRISLens server (e.g. "http://localhost:8080").
	BaseURL string

	// ServiceToken authenticates this service ("svc_..." prefix). The token
	// is held in memory only and never appears in shipped records.
	ServiceToken string

	// ServerID identifies the host or replica emitting the logs. Optional.
	ServerID string

	// BatchSize is the number of records per shipped batch. Defaults to 100.
	BatchSize int

	// FlushInterval bounds how long a record waits before shipping even when
	// the batch is not full. Defaults to 2 seconds.
	FlushInterval time.Duration

	// BufferSize caps in-memory records awaiting shipment. At capacity new
	// records are dropped and counted. Defaults to 10000.
	BufferSize int

	// MaxRetries bounds send attempts per batch. Defaults to 3.
	MaxRetries int

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 10-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual ship requests. Defaults to 10 seconds.
	Timeout time.Duration
}

// Client ships log records to a CIRISLens server. All methods are safe for
// concurrent use. Records are redacted before they are buffered, so secrets
// and PII never sit in memory awaiting shipment either.
type Client struct {
	baseURL  string
	token    string
	serverID string
	client   *http.Client

	batchSize int
	interval  time.Duration
	capacity  int
	retries   int

	mu      sync.Mutex
	pending []Record

	flushCh chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	dropped atomic.Int64
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or ServiceToken is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lens: BaseURL is required")
	}
	if cfg.ServiceToken == "" {
		return nil, fmt.Errorf("lens: ServiceToken is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	capacity := cfg.BufferSize
	if capacity <= 0 {
		capacity = 10_000
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.ServiceToken,
		serverID:  cfg.ServerID,
		client:    httpClient,
		batchSize: batchSize,
		interval:  interval,
		capacity:  capacity,
		retries:   retries,
		pending:   make([]Record, 0, batchSize),
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go c.flushLoop(ctx)
	return c, nil
}

// Log enqueues one record for shipment. The message is redacted and the
// user ID hashed before the record enters the buffer.
func (c *Client) Log(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Level == "" {
		r.Level = "info"
	}
	if r.ServerID == "" {
		r.ServerID = c.serverID
	}
	r.Message = redactMessage(r.Message)
	r.Event = redactMessage(r.Event)
	r.UserID = hashUserID(r.UserID)
	for k, v := range r.Attrs {
		if s, ok := v.(string); ok {
			r.Attrs[k] = redactMessage(s)
		}
	}

	c.mu.Lock()
	if len(c.pending) >= c.capacity {
		c.mu.Unlock()
		c.dropped.Add(1)
		return
	}
	c.pending = append(c.pending, r)
	full := len(c.pending) >= c.batchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default: // flush already pending
		}
	}
}

// Info enqueues an info-level record.
func (c *Client) Info(msg string, attrs map[string]any) {
	c.Log(Record{Level: "info", Message: msg, Attrs: attrs})
}

// Warn enqueues a warn-level record.
func (c *Client) Warn(msg string, attrs map[string]any) {
	c.Log(Record{Level: "warn", Message: msg, Attrs: attrs})
}

// Error enqueues an error-level record.
func (c *Client) Error(msg string, attrs map[string]any) {
	c.Log(Record{Level: "error", Message: msg, Attrs: attrs})
}

// Dropped returns the number of records dropped because the buffer was full
// or a batch exhausted its retries.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Flush ships all buffered records immediately.
func (c *Client) Flush(ctx context.Context) error {
	return c.flush(ctx)
}

// Close stops the background flusher and drains the remaining buffer. The
// context bounds the final drain.
func (c *Client) Close(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.flush(ctx)
}

// Health checks the server's health status. Does not require a valid token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("lens: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lens: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lens: read response body: %w", err)
	}

	var envelope struct {
		Data HealthResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("lens: decode response envelope: %w", err)
	}
	return &envelope.Data, nil
}

func (c *Client) flushLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.flush(ctx)
		case <-c.flushCh:
			_ = c.flush(ctx)
		}
	}
}

func (c *Client) flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make([]Record, 0, c.batchSize)
	c.mu.Unlock()

	payload, err := encodeBatch(batch)
	if err != nil {
		c.dropped.Add(int64(len(batch)))
		return fmt.Errorf("lens: encode batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.requeue(batch)
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		_, lastErr = c.ship(ctx, payload)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	c.dropped.Add(int64(len(batch)))
	return lastErr
}

// requeue puts an unsent batch back at the front of the buffer, respecting
// capacity. Used only when a flush is interrupted by cancellation.
func (c *Client) requeue(batch []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.capacity - len(c.pending)
	if room <= 0 {
		c.dropped.Add(int64(len(batch)))
		return
	}
	if len(batch) > room {
		c.dropped.Add(int64(len(batch) - room))
		batch = batch[:room]
	}
	c.pending = append(batch, c.pending...)
}

func (c *Client) ship(ctx context.Context, payload []byte) (*IngestResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logs/ingest", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("lens: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lens: POST /logs/ingest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lens: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	var envelope struct {
		Data IngestResult `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("lens: decode response envelope: %w", err)
	}
	return &envelope.Data, nil
}

// encodeBatch renders records as newline-delimited JSON. Attributes merge
// into the top-level object but never override the named fields.
func encodeBatch(batch []Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range batch {
		line, err := encodeRecord(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func encodeRecord(r Record) ([]byte, error) {
	base, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(r.Attrs) == 0 {
		return base, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	for k, v := range r.Attrs {
		if _, taken := obj[k]; taken {
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

// backoff returns the wait before retry n (1-based), exponential with
// jitter: 500ms, 1s, 2s... capped at 10s, each +-25%.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2)) //nolint:gosec // jitter, not crypto
	return d*3/4 + jitter
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
