package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Reverifier retries signature verification for traces that arrived before
// their signer key was registered. It wakes on a timer and on Kick, which
// the key registration handler calls so new keys take effect immediately.
type Reverifier struct {
	db       *storage.DB
	keys     *KeyRing
	logger   *slog.Logger
	interval time.Duration
	kick     chan struct{}
}

// NewReverifier builds the worker; Run starts it.
func NewReverifier(db *storage.DB, keys *KeyRing, logger *slog.Logger, interval time.Duration) *Reverifier {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reverifier{
		db:       db,
		keys:     keys,
		logger:   logger,
		interval: interval,
		kick:     make(chan struct{}, 1),
	}
}

// Kick schedules an immediate pass without waiting for the timer.
func (r *Reverifier) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled, executing one pass per wakeup. The key
// ring is reloaded from the store at the start of each pass so revocations
// propagate on the same cadence.
func (r *Reverifier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Pass(ctx); err != nil {
			r.logger.Error("reverification pass failed", "error", err)
		}
	}
}

// Pass reloads the key ring and flips signature_verified on every stored
// trace whose signature now checks out.
func (r *Reverifier) Pass(ctx context.Context) error {
	keys, err := r.db.ListPublicKeys(ctx)
	if err != nil {
		return err
	}
	r.keys.Load(keys)

	var flipped int64
	for _, key := range keys {
		traces, err := r.db.UnverifiedTracesForKey(ctx, key.KeyID, 500)
		if err != nil {
			return err
		}
		if len(traces) == 0 {
			continue
		}

		verified := make([]string, 0, len(traces))
		for i := range traces {
			rawMap, err := decodeRaw(traces[i].RawTrace)
			if err != nil {
				continue
			}
			message, err := componentsMessage(rawMap)
			if err != nil {
				continue
			}
			if r.keys.Verify(key.KeyID, traces[i].Signature, message) == nil {
				verified = append(verified, traces[i].TraceID)
			}
		}
		if len(verified) == 0 {
			continue
		}

		n, err := r.db.MarkTracesVerified(ctx, verified)
		if err != nil {
			return err
		}
		flipped += n
	}

	if flipped > 0 {
		r.logger.Info("reverified traces", "count", flipped)
	}
	return nil
}
