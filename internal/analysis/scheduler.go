package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs the hash chain check hourly and the statistical mechanisms
// daily. Mechanisms are read-only over traces and write distinct alert IDs,
// so the daily batch runs them concurrently.
type Scheduler struct {
	analyzer *Analyzer
	logger   *slog.Logger

	hourly time.Duration
	daily  time.Duration
}

// NewScheduler builds a scheduler with the standard cadence. Zero intervals
// take the defaults; tests pass short ones.
func NewScheduler(analyzer *Analyzer, logger *slog.Logger, hourly, daily time.Duration) *Scheduler {
	if hourly <= 0 {
		hourly = time.Hour
	}
	if daily <= 0 {
		daily = 24 * time.Hour
	}
	return &Scheduler{analyzer: analyzer, logger: logger, hourly: hourly, daily: daily}
}

// Run blocks until ctx is cancelled. Each cadence fires once immediately so
// a restart does not postpone detection by a full period.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.loop(ctx, s.hourly, s.runHourly)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.daily, s.runDaily)
	}()

	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, pass func(context.Context)) {
	pass(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

func (s *Scheduler) runHourly(ctx context.Context) {
	if _, err := s.analyzer.RunHashChain(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("hash chain analysis failed", "error", err)
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	mechanisms := map[string]func(context.Context) (int64, error){
		"cross_agent_divergence":  s.analyzer.RunDivergence,
		"intra_agent_consistency": s.analyzer.RunConsistency,
		"temporal_drift":          s.analyzer.RunDrift,
		"conscience_override":     s.analyzer.RunOverrides,
	}

	var wg sync.WaitGroup
	for name, run := range mechanisms {
		wg.Add(1)
		go func(name string, run func(context.Context) (int64, error)) {
			defer wg.Done()
			if _, err := run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("analysis mechanism failed", "mechanism", name, "error", err)
			}
		}(name, run)
	}
	wg.Wait()
}
