package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/lexhub/engagement-engine/internal/metrics"
)

// Tracker converts elapsed wall-clock time into expiry transitions. It runs
// a cooperative periodic sweep that compares every live absolute deadline
// against the injected clock; because deadlines are persisted as absolute
// timestamps, a restart needs no missed-tick compensation — the first sweep
// after reload catches everything that lapsed while the process was down.
type Tracker struct {
	engine   *Engine
	store    Store
	interval time.Duration
	log      *slog.Logger
	met      *metrics.Metrics
}

// NewTracker builds a tracker over the given engine and store.
func NewTracker(eng *Engine, store Store, interval time.Duration, log *slog.Logger, met *metrics.Metrics) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{engine: eng, store: store, interval: interval, log: log, met: met}
}

// Run sweeps until ctx is cancelled. It never returns a sweep error; failed
// expiries are retried naturally on the next tick because the expiry
// operations are idempotent.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over every due deadline. Expiry callbacks are
// synchronous and per-entity atomic; processing order across entities is
// unspecified. Entities that left the guarded state by another transition
// no longer appear in the scans — that absence is the cancellation.
func (t *Tracker) Sweep(ctx context.Context) {
	start := time.Now()
	now := t.engine.clock.Now()

	if ids, err := t.store.DueApprovals(ctx, now); err != nil {
		t.log.Warn("approval scan failed", "error", err)
	} else {
		for _, id := range ids {
			if _, events, err := t.engine.ExpireApproval(ctx, id); err != nil {
				t.log.Warn("expire approval failed", "appointment", id, "error", err)
			} else if len(events) > 0 {
				t.countExpiry("appointment")
			}
		}
	}

	if ids, err := t.store.DuePayments(ctx, now); err != nil {
		t.log.Warn("payment scan failed", "error", err)
	} else {
		for _, id := range ids {
			if _, events, err := t.engine.ExpirePayment(ctx, id); err != nil {
				t.log.Warn("expire payment failed", "appointment", id, "error", err)
			} else if len(events) > 0 {
				t.countExpiry("payment")
			}
		}
	}

	if ids, err := t.store.DueCaseWindows(ctx, now); err != nil {
		t.log.Warn("case window scan failed", "error", err)
	} else {
		for _, id := range ids {
			if _, events, err := t.engine.ExpireCasePayment(ctx, id); err != nil {
				t.log.Warn("expire case window failed", "case", id, "error", err)
			} else if len(events) > 0 {
				t.countExpiry("case")
			}
		}
	}

	if t.met != nil {
		t.met.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

func (t *Tracker) countExpiry(entity string) {
	if t.met != nil {
		t.met.Expiries.WithLabelValues(entity).Inc()
	}
}
