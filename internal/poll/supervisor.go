package poll

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/CIRISAI/CIRISLens-sub000/internal/config"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Options tunes the polling fabric.
type Options struct {
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	MaxConcurrent    int64
	FailureThreshold int // consecutive failures before the breaker opens
	ResetTimeout     time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 16
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 5 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
}

// Supervisor runs one polling worker per configured source. Workers are
// serial per source; a semaphore caps how many poll cycles run at once
// across the fleet.
type Supervisor struct {
	db     *storage.DB
	logger *slog.Logger
	opts   Options

	sem *semaphore.Weighted

	mu      sync.RWMutex
	workers map[string]*worker
}

type worker struct {
	source  config.SourceConfig
	client  *Client
	breaker *gobreaker.CircuitBreaker
	backoff time.Duration
}

// NewSupervisor builds the fabric; Run starts it.
func NewSupervisor(db *storage.DB, logger *slog.Logger, sources []config.SourceConfig, opts Options) *Supervisor {
	opts.defaults()
	s := &Supervisor{
		db:      db,
		logger:  logger,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		workers: make(map[string]*worker, len(sources)),
	}
	for _, src := range sources {
		s.workers[src.Name] = s.newWorker(src)
	}
	return s
}

func (s *Supervisor) newWorker(src config.SourceConfig) *worker {
	threshold := uint32(s.opts.FailureThreshold) //nolint:gosec // bounded by defaults()
	return &worker{
		source: src,
		client: NewClient(src.BaseURL, src.Token, s.opts.ConnectTimeout, s.opts.TotalTimeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    src.Name,
			Timeout: s.opts.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Warn("poll circuit state change",
					"source", name, "from", from.String(), "to", to.String())
			},
		}),
		backoff: s.opts.BackoffInitial,
	}
}

// Run blocks until ctx is canceled, polling every source on its interval.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	s.mu.RLock()
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.runWorker(ctx, w)
		}(w)
	}
	s.mu.RUnlock()
	wg.Wait()
}

// CircuitStates reports each source's breaker state for the status surface.
func (s *Supervisor) CircuitStates() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.workers))
	for name, w := range s.workers {
		out[name] = w.breaker.State().String()
	}
	return out
}

func (s *Supervisor) runWorker(ctx context.Context, w *worker) {
	s.logger.Info("starting poll worker",
		"source", w.source.Name, "interval", w.source.Interval)

	for {
		wait := w.source.Interval
		if err := s.pollOnce(ctx, w); err != nil {
			// Failed cycles back off exponentially with jitter, capped; a
			// success resets to the configured interval.
			wait = jitter(w.backoff)
			w.backoff = min(w.backoff*2, s.opts.BackoffMax)
		} else {
			w.backoff = s.opts.BackoffInitial
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// pollOnce runs one collection cycle through the breaker and semaphore.
func (s *Supervisor) pollOnce(ctx context.Context, w *worker) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	_, err := w.breaker.Execute(func() (any, error) {
		return nil, s.collect(ctx, w)
	})
	if err != nil {
		s.logger.Error("poll cycle failed", "source", w.source.Name, "error", err)
		if recErr := s.db.RecordCollectionError(ctx, w.source.Name, "poll", err.Error()); recErr != nil {
			s.logger.Error("failed to record collection error", "source", w.source.Name, "error", recErr)
		}
	}
	return err
}

// collect fetches all three signals and stores whatever arrived. A signal
// that fails to fetch fails the cycle so the breaker sees it.
func (s *Supervisor) collect(ctx context.Context, w *worker) error {
	name := w.source.Name

	metrics, err := w.client.Metrics(ctx)
	if err != nil {
		return err
	}
	traces, err := w.client.Traces(ctx)
	if err != nil {
		return err
	}
	logs, err := w.client.Logs(ctx)
	if err != nil {
		return err
	}

	if rows := FlattenMetrics(name, metrics); len(rows) > 0 {
		if _, err := s.db.InsertAgentMetrics(ctx, rows); err != nil {
			return err
		}
	}
	if rows := FlattenSpans(name, traces); len(rows) > 0 {
		if _, err := s.db.InsertAgentSpans(ctx, rows); err != nil {
			return err
		}
	}
	if rows := FlattenLogs(name, logs); len(rows) > 0 {
		if _, err := s.db.InsertAgentLogs(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// jitter spreads a delay ±20% so workers recovering from a shared outage
// do not thundering-herd the same agent.
func jitter(d time.Duration) time.Duration {
	spread := 0.8 + 0.4*rand.Float64() //nolint:gosec // scheduling jitter, not crypto
	return time.Duration(float64(d) * spread)
}
