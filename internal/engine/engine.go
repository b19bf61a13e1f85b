// Package engine implements the engagement lifecycle: the appointment state
// machine, the payment ledger, the case state machine, and the deadline
// tracker that turns elapsed wall-clock time into expiry transitions. The
// Engine type is the orchestrator facade; it is the only caller allowed to
// chain an appointment or case transition with a payment write, and it
// applies every chained pair inside a single store transaction.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/metrics"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

// Sink receives lifecycle events after the owning transaction commits.
// Delivery is at-least-once; sinks de-duplicate by event id.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Config carries the fixed lifecycle windows.
type Config struct {
	ApprovalWindow time.Duration
	PaymentWindow  time.Duration
}

// Engine is the lifecycle orchestrator.
type Engine struct {
	store Store
	clock Clock
	sink  Sink
	log   *slog.Logger
	met   *metrics.Metrics
	cfg   Config
}

// New wires an Engine. sink and met may be nil (no-op).
func New(store Store, clock Clock, sink Sink, log *slog.Logger, met *metrics.Metrics, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, clock: clock, sink: sink, log: log, met: met, cfg: cfg}
}

/* ============================== Reads =================================== */

func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	return e.store.GetAppointment(ctx, id)
}

func (e *Engine) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return e.store.GetPayment(ctx, id)
}

func (e *Engine) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	return e.store.GetCase(ctx, id)
}

/* ============================ Internals ================================= */

// finish records metrics and pushes events after a committed transaction.
// Sink failures are logged, never propagated: the outbox row is the source
// of truth and delivery is at-least-once.
func (e *Engine) finish(ctx context.Context, events []Event, err error) error {
	if err != nil {
		if kind := lifecycle.KindOf(err); kind != "" && e.met != nil {
			e.met.EngineErrors.WithLabelValues(string(kind)).Inc()
		}
		return err
	}
	for _, ev := range events {
		if e.met != nil {
			e.met.EventsEmitted.WithLabelValues(ev.Type).Inc()
		}
		if e.sink == nil {
			continue
		}
		if derr := e.sink.Deliver(ctx, ev); derr != nil {
			e.log.Warn("event delivery failed", "event", ev.Type, "id", ev.ID, "error", derr)
		}
	}
	return nil
}

func (e *Engine) countTransition(entity string, status string) {
	if e.met != nil {
		e.met.Transitions.WithLabelValues(entity, status).Inc()
	}
}

// voidPendingPayments expires every live PENDING payment for a parent that
// just reached a terminal state, so the ledger never holds a live deadline
// for a dead parent.
func voidPendingPayments(ctx context.Context, tx Tx, at time.Time, payments []models.Payment, events *[]Event) error {
	for i := range payments {
		p := &payments[i]
		if p.Status != models.PaymentPending {
			continue
		}
		p.Status = models.PaymentExpired
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		*events = append(*events, newEvent(EventPaymentExpired, p.ID, at, map[string]any{
			"payment_id": p.ID,
			"type":       p.Type,
		}))
	}
	return nil
}

func epochMillis(t time.Time) int64 { return t.UnixMilli() }
