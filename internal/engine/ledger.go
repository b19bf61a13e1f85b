package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

/* ============================ Confirmation ============================== */

// ConfirmPayment settles a pending payment and applies the parent-side
// effect in the same transaction: an appointment moves to confirmed, a case
// records the amount and returns to active.
//
// Tie-break for consultation fees: confirmation wins only when its effective
// time is strictly before the payment deadline. Otherwise the expiry path
// wins — the payment and the appointment expire here and now, the write is
// committed, and the caller gets DeadlineExceeded (external refund of any
// captured funds is the caller's problem).
func (e *Engine) ConfirmPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, []Event, error) {
	now := e.clock.Now()
	var (
		pay    *models.Payment
		events []Event
		opErr  error
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		p, err := tx.PaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentPending {
			return lifecycle.NewInvalidTransition("payment", string(p.Status), "confirm")
		}
		pay = p

		switch {
		case p.AppointmentID != nil:
			return e.confirmConsultationFee(ctx, tx, now, p, &events, &opErr)
		case p.CaseID != nil:
			return e.confirmCaseFee(ctx, tx, now, p, &events)
		default:
			return lifecycle.NewInvalidTransition("payment", string(p.Status), "confirm without parent")
		}
	})
	if err != nil {
		return nil, nil, e.finish(ctx, nil, err)
	}
	_ = e.finish(ctx, events, nil)
	if opErr != nil {
		// The expiry outcome was committed; surface the rejection.
		return pay, events, e.finish(ctx, nil, opErr)
	}
	e.countTransition("payment", string(pay.Status))
	return pay, events, nil
}

func (e *Engine) confirmConsultationFee(ctx context.Context, tx Tx, now time.Time, p *models.Payment, events *[]Event, opErr *error) error {
	a, err := tx.AppointmentForUpdate(ctx, *p.AppointmentID)
	if err != nil {
		return err
	}

	// Expiry wins at or after the deadline, regardless of call order.
	if !now.Before(p.Deadline) {
		p.Status = models.PaymentExpired
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		*events = append(*events, newEvent(EventPaymentExpired, p.ID, now, map[string]any{
			"payment_id": p.ID,
			"type":       p.Type,
		}))
		if a.Status == models.AppointmentAwaitingPayment {
			a.Status = models.AppointmentPaymentExpired
			if err := tx.SaveAppointment(ctx, a); err != nil {
				return err
			}
			*events = append(*events, newEvent(EventAppointmentPaymentExpired, a.ID, now, map[string]any{
				"appointment_id": a.ID,
				"deadline_ms":    epochMillis(p.Deadline),
			}))
		}
		*opErr = lifecycle.NewDeadlineExceeded("payment", "confirm")
		return tx.AppendEvents(ctx, outboxRows(*events))
	}

	if a.Status != models.AppointmentAwaitingPayment {
		return lifecycle.NewInvalidTransition("appointment", string(a.Status), "confirm payment")
	}

	p.Status = models.PaymentSuccess
	p.PaidAt = &now
	if err := tx.SavePayment(ctx, p); err != nil {
		return err
	}
	a.Status = models.AppointmentConfirmed
	a.PaidAt = &now
	if err := tx.SaveAppointment(ctx, a); err != nil {
		return err
	}
	*events = append(*events,
		newEvent(EventPaymentSucceeded, p.ID, now, map[string]any{
			"payment_id":   p.ID,
			"type":         p.Type,
			"amount_cents": p.AmountCents,
		}),
		newEvent(EventAppointmentConfirmed, a.ID, now, map[string]any{
			"appointment_id": a.ID,
		}),
	)
	return tx.AppendEvents(ctx, outboxRows(*events))
}

// confirmCaseFee records a case payment. A lapsed window does not reject the
// confirmation: an overdue case is exactly the state in which the fee is
// still collectable, late.
func (e *Engine) confirmCaseFee(ctx context.Context, tx Tx, now time.Time, p *models.Payment, events *[]Event) error {
	cs, err := tx.CaseForUpdate(ctx, *p.CaseID)
	if err != nil {
		return err
	}
	if cs.Status.Terminal() {
		return lifecycle.NewCaseClosed(cs.ID.String())
	}

	// A refund flips the row out of SUCCESS, so summing live SUCCESS rows is
	// exactly sum(SUCCESS) − sum(REFUNDED).
	success, _, err := tx.CasePaymentTotals(ctx, cs.ID)
	if err != nil {
		return err
	}
	if success+p.AmountCents > cs.TotalFeesCents {
		return lifecycle.NewOverpayment(cs.ID.String())
	}

	p.Status = models.PaymentSuccess
	p.PaidAt = &now
	if err := tx.SavePayment(ctx, p); err != nil {
		return err
	}

	oldStatus := cs.Status
	cs.PaidAmountCents += p.AmountCents
	if cs.Status == models.CasePaymentPending || cs.Status == models.CaseOverdue {
		cs.Status = models.CaseActive
		cs.NextPaymentDeadline = nil
	}
	if err := tx.SaveCase(ctx, cs); err != nil {
		return err
	}
	if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
		CaseID:    cs.ID,
		ActorID:   cs.ClientID,
		Action:    "payment_recorded",
		OldStatus: oldStatus,
		NewStatus: cs.Status,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	*events = append(*events,
		newEvent(EventPaymentSucceeded, p.ID, now, map[string]any{
			"payment_id":   p.ID,
			"type":         p.Type,
			"amount_cents": p.AmountCents,
		}),
		newEvent(EventCasePaymentRecorded, cs.ID, now, map[string]any{
			"case_id":           cs.ID,
			"paid_amount_cents": cs.PaidAmountCents,
			"status":            cs.Status,
		}),
	)
	return tx.AppendEvents(ctx, outboxRows(*events))
}

/* ========================== Failure & retry ============================= */

// FailPayment marks a pending payment failed. The failed row is immutable;
// retrying means creating a fresh payment via RetryPayment.
func (e *Engine) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*models.Payment, []Event, error) {
	now := e.clock.Now()
	var (
		pay    *models.Payment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		p, err := tx.PaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentPending {
			return lifecycle.NewInvalidTransition("payment", string(p.Status), "fail")
		}
		p.Status = models.PaymentFailed
		p.FailureReason = strings.TrimSpace(reason)
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		events = []Event{newEvent(EventPaymentFailed, p.ID, now, map[string]any{
			"payment_id": p.ID,
			"reason":     p.FailureReason,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		pay = p
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("payment", string(pay.Status))
	return pay, events, nil
}

// RetryPayment creates a replacement pending payment for a failed one,
// against the same parent and the parent's still-live deadline.
func (e *Engine) RetryPayment(ctx context.Context, failedPaymentID uuid.UUID) (*models.Payment, []Event, error) {
	now := e.clock.Now()
	var (
		pay    *models.Payment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		old, err := tx.PaymentForUpdate(ctx, failedPaymentID)
		if err != nil {
			return err
		}
		if old.Status != models.PaymentFailed {
			return lifecycle.NewInvalidTransition("payment", string(old.Status), "retry")
		}

		var deadline time.Time
		switch {
		case old.AppointmentID != nil:
			a, err := tx.AppointmentForUpdate(ctx, *old.AppointmentID)
			if err != nil {
				return err
			}
			if a.Status != models.AppointmentAwaitingPayment || a.PaymentDeadline == nil {
				return lifecycle.NewInvalidTransition("appointment", string(a.Status), "retry payment")
			}
			if !now.Before(*a.PaymentDeadline) {
				return lifecycle.NewDeadlineExceeded("payment", "retry")
			}
			pending, err := tx.PendingPaymentsForAppointment(ctx, a.ID)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return lifecycle.NewInvalidTransition("payment", "pending", "retry while another is live")
			}
			deadline = *a.PaymentDeadline

		case old.CaseID != nil:
			cs, err := tx.CaseForUpdate(ctx, *old.CaseID)
			if err != nil {
				return err
			}
			if cs.Status.Terminal() {
				return lifecycle.NewCaseClosed(cs.ID.String())
			}
			switch cs.Status {
			case models.CasePaymentPending:
				deadline = *cs.NextPaymentDeadline
			case models.CaseOverdue:
				// Overdue fees stay collectable; the replacement keeps the
				// lapsed deadline for the record.
				deadline = old.Deadline
			default:
				return lifecycle.NewInvalidTransition("case", string(cs.Status), "retry payment")
			}
			pending, err := tx.PendingPaymentsForCase(ctx, cs.ID)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return lifecycle.NewInvalidTransition("payment", "pending", "retry while another is live")
			}

		default:
			return lifecycle.NewInvalidTransition("payment", string(old.Status), "retry without parent")
		}

		p := &models.Payment{
			ID:            uuid.New(),
			Type:          old.Type,
			AppointmentID: old.AppointmentID,
			CaseID:        old.CaseID,
			AmountCents:   old.AmountCents,
			Status:        models.PaymentPending,
			CreatedAt:     now,
			Deadline:      deadline,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		events = []Event{newEvent(EventPaymentCreated, p.ID, now, map[string]any{
			"payment_id":   p.ID,
			"type":         p.Type,
			"amount_cents": p.AmountCents,
			"deadline_ms":  epochMillis(deadline),
			"replaces":     old.ID,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		pay = p
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("payment", string(pay.Status))
	return pay, events, nil
}

/* =============================== Refund ================================= */

// RefundPayment moves success → refunded. Case fees reduce the recorded
// paid amount so the ledger invariant keeps holding.
func (e *Engine) RefundPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, []Event, error) {
	now := e.clock.Now()
	var (
		pay    *models.Payment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		p, err := tx.PaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentSuccess {
			return lifecycle.NewInvalidTransition("payment", string(p.Status), "refund")
		}
		p.Status = models.PaymentRefunded
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		events = []Event{newEvent(EventPaymentRefunded, p.ID, now, map[string]any{
			"payment_id":   p.ID,
			"amount_cents": p.AmountCents,
		})}

		if p.CaseID != nil {
			cs, err := tx.CaseForUpdate(ctx, *p.CaseID)
			if err != nil {
				return err
			}
			cs.PaidAmountCents -= p.AmountCents
			if cs.PaidAmountCents < 0 {
				cs.PaidAmountCents = 0
			}
			if err := tx.SaveCase(ctx, cs); err != nil {
				return err
			}
			if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
				CaseID:    cs.ID,
				ActorID:   cs.LawyerID,
				Action:    "payment_refunded",
				OldStatus: cs.Status,
				NewStatus: cs.Status,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		pay = p
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("payment", string(pay.Status))
	return pay, events, nil
}
