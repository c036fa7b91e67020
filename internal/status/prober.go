// Package status probes configured service endpoints and records the
// results as status checks for uptime rollups.
package status

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Target is one monitored endpoint.
type Target struct {
	Name string
	URL  string
}

// ParseTargets parses the comma-separated name=url probe list. Malformed
// entries are skipped rather than failing startup; a typo in one target
// should not take monitoring down for the rest.
func ParseTargets(raw string, logger *slog.Logger) []Target {
	var out []Target
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			logger.Warn("skipping malformed status target", "entry", entry)
			continue
		}
		out = append(out, Target{Name: name, URL: url})
	}
	return out
}

// Prober checks each target on a fixed interval.
type Prober struct {
	db      *storage.DB
	logger  *slog.Logger
	targets []Target
	region  string
	every   time.Duration
	http    *http.Client
}

// NewProber builds a prober. A zero interval defaults to one minute.
func NewProber(db *storage.DB, logger *slog.Logger, targets []Target, region string, every time.Duration) *Prober {
	if every <= 0 {
		every = time.Minute
	}
	return &Prober{
		db:      db,
		logger:  logger,
		targets: targets,
		region:  region,
		every:   every,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Run blocks until ctx is cancelled. Returns immediately when no targets
// are configured.
func (p *Prober) Run(ctx context.Context) {
	if len(p.targets) == 0 {
		return
	}
	p.logger.Info("status prober started", "targets", len(p.targets), "interval", p.every.String())

	p.pass(ctx)
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

func (p *Prober) pass(ctx context.Context) {
	for _, t := range p.targets {
		check := p.probe(ctx, t)
		if err := p.db.InsertStatusCheck(ctx, check); err != nil && ctx.Err() == nil {
			p.logger.Error("status check insert failed", "service", t.Name, "error", err)
		}
	}
}

// probe issues one GET and grades the result. Any 2xx within the client
// timeout counts as healthy.
func (p *Prober) probe(ctx context.Context, t Target) model.StatusCheck {
	check := model.StatusCheck{
		ServiceName: t.Name,
		Region:      p.region,
		Timestamp:   time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		msg := fmt.Sprintf("bad probe url: %v", err)
		check.Error = &msg
		return check
	}

	started := time.Now()
	resp, err := p.http.Do(req)
	latency := float64(time.Since(started)) / float64(time.Millisecond)
	check.LatencyMs = &latency
	if err != nil {
		msg := err.Error()
		check.Error = &msg
		return check
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	check.StatusCode = &resp.StatusCode
	check.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !check.Healthy {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		check.Error = &msg
	}
	return check
}
