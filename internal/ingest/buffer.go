package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
	"github.com/CIRISAI/CIRISLens-sub000/internal/telemetry"
)

// maxBufferCapacity bounds in-memory accumulation when Postgres is down.
// Beyond this, accepted traces are spooled to disk (if a spool is
// configured) or dropped with a counter.
const maxBufferCapacity = 100_000

// Buffer accumulates parsed traces and flushes them in batches via the
// storage layer's COPY path. A flush triggers when the batch size is
// reached or the flush interval elapses, whichever comes first.
type Buffer struct {
	db     *storage.DB
	spool  *Spool // may be nil
	logger *slog.Logger

	size     int
	interval time.Duration

	mu     sync.Mutex
	traces []model.StoredTrace

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc

	droppedTraces atomic.Int64
	flushFailures atomic.Int64

	// drainCtx bounds the final flush during shutdown.
	drainMu  sync.Mutex
	drainCtx context.Context
}

// NewBuffer creates a buffer and starts its flush loop. A nil spool
// disables disk overflow.
func NewBuffer(db *storage.DB, spool *Spool, logger *slog.Logger, size int, interval time.Duration) *Buffer {
	if size <= 0 {
		size = 1000
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		db:         db,
		spool:      spool,
		logger:     logger,
		size:       size,
		interval:   interval,
		traces:     make([]model.StoredTrace, 0, size),
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		cancelLoop: cancel,
	}
	b.recoverSpool(ctx)
	go b.flushLoop(ctx)
	b.registerMetrics()
	return b
}

// Add appends traces to the buffer, signaling a flush when the batch size
// is reached. At capacity, overflow goes to the spool or is dropped.
func (b *Buffer) Add(traces ...model.StoredTrace) {
	if len(traces) == 0 {
		return
	}

	b.mu.Lock()
	room := maxBufferCapacity - len(b.traces)
	if room < 0 {
		room = 0
	}
	fit := traces
	var overflow []model.StoredTrace
	if len(traces) > room {
		fit, overflow = traces[:room], traces[room:]
	}
	b.traces = append(b.traces, fit...)
	shouldFlush := len(b.traces) >= b.size
	b.mu.Unlock()

	if len(overflow) > 0 {
		b.divert(overflow, "buffer at capacity")
	}
	if shouldFlush {
		select {
		case b.flushCh <- struct{}{}:
		default: // flush already pending
		}
	}
}

// Len returns the number of buffered traces awaiting flush.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}

// Capacity returns the hard cap on buffered traces.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// Durable reports whether overflow and failed flushes survive on disk.
// Without a spool, traces past capacity are dropped.
func (b *Buffer) Durable() bool {
	return b.spool != nil
}

// DroppedTraces returns the number of traces dropped since startup.
func (b *Buffer) DroppedTraces() int64 {
	return b.droppedTraces.Load()
}

// Drain stops the flush loop and performs a final bounded flush.
func (b *Buffer) Drain(ctx context.Context) error {
	b.drainMu.Lock()
	b.drainCtx = ctx
	b.drainMu.Unlock()

	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush, bounded by the drain context when one was set.
			flushCtx := context.Background()
			b.drainMu.Lock()
			if b.drainCtx != nil {
				flushCtx = b.drainCtx
			}
			b.drainMu.Unlock()
			b.flush(flushCtx)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.traces) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.traces
	b.traces = make([]model.StoredTrace, 0, b.size)
	b.mu.Unlock()

	inserted, err := b.db.InsertTraces(ctx, batch)
	if err != nil {
		b.flushFailures.Add(1)
		b.logger.Error("trace flush failed", "batch_size", len(batch), "error", err)
		b.divert(batch, "flush failed")
		return
	}

	if b.spool != nil {
		if err := b.spool.Checkpoint(ctx); err != nil {
			b.logger.Warn("spool checkpoint failed", "error", err)
		}
	}
	b.logger.Debug("flushed traces", "batch_size", len(batch), "inserted", inserted)
}

// divert moves traces that cannot stay in memory to the spool, or drops
// them when no spool is configured.
func (b *Buffer) divert(batch []model.StoredTrace, reason string) {
	if b.spool != nil {
		if err := b.spool.Append(context.Background(), batch); err == nil {
			b.logger.Warn("diverted traces to spool", "count", len(batch), "reason", reason)
			return
		} else {
			b.logger.Error("spool append failed", "count", len(batch), "error", err)
		}
	}
	b.droppedTraces.Add(int64(len(batch)))
	b.logger.Error("dropped traces", "count", len(batch), "reason", reason,
		"dropped_total", b.droppedTraces.Load())
}

// recoverSpool replays spooled traces left over from a previous run.
func (b *Buffer) recoverSpool(ctx context.Context) {
	if b.spool == nil {
		return
	}
	recovered, err := b.spool.Recover(ctx)
	if err != nil {
		b.logger.Error("spool recovery failed", "error", err)
		return
	}
	if len(recovered) == 0 {
		return
	}
	b.mu.Lock()
	b.traces = append(b.traces, recovered...)
	b.mu.Unlock()
	b.logger.Info("recovered spooled traces", "count", len(recovered))
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("cirislens/ingest")

	_, _ = meter.Int64ObservableGauge("cirislens.ingest.buffer_length",
		metric.WithDescription("Traces buffered awaiting flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("cirislens.ingest.dropped_traces",
		metric.WithDescription("Traces dropped due to buffer overflow or flush failure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.droppedTraces.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("cirislens.ingest.flush_failures",
		metric.WithDescription("Batch flushes that failed and were diverted"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.flushFailures.Load())
			return nil
		}),
	)
}
