package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
	"github.com/lexhub/engagement-engine/pkg/validation"
)

/* =============================== Booking ================================ */

// BookParams is the input to Book. Urgency defaults to medium.
type BookParams struct {
	ClientID         uuid.UUID `json:"client_id" validate:"required"`
	LawyerID         uuid.UUID `json:"lawyer_id" validate:"required"`
	ConsultationType string    `json:"consultation_type" validate:"required,oneof=video in_office phone"`
	CaseType         string    `json:"case_type" validate:"required,max=40"`
	Description      string    `json:"description" validate:"required,min=10,max=2000"`
	Urgency          string    `json:"urgency" validate:"omitempty,oneof=low medium high"`
	SelectedDate     string    `json:"selected_date" validate:"required,slotdate"`
	SelectedTime     string    `json:"selected_time" validate:"required,slottime"`
	ConsultationFee  int       `json:"consultation_fee_cents" validate:"required,gt=0"`
}

// Book creates an appointment in pending_lawyer_approval and stamps the
// approval deadline from the configured window.
func (e *Engine) Book(ctx context.Context, in BookParams) (*models.Appointment, []Event, error) {
	if errs, err := validation.Validate(in); err != nil {
		return nil, nil, err
	} else if errs != nil {
		return nil, nil, lifecycle.NewValidation(errs)
	}

	now := e.clock.Now()
	urgency := models.Urgency(in.Urgency)
	if urgency == "" {
		urgency = models.UrgencyMedium
	}

	appt := &models.Appointment{
		ID:                   uuid.New(),
		ClientID:             in.ClientID,
		LawyerID:             in.LawyerID,
		ConsultationType:     models.ConsultationType(in.ConsultationType),
		CaseType:             strings.TrimSpace(in.CaseType),
		Description:          strings.TrimSpace(in.Description),
		Urgency:              urgency,
		SelectedDate:         strings.TrimSpace(in.SelectedDate),
		SelectedTime:         strings.TrimSpace(in.SelectedTime),
		ConsultationFeeCents: in.ConsultationFee,
		Status:               models.AppointmentPendingApproval,
		CreatedAt:            now,
		ApprovalDeadline:     now.Add(e.cfg.ApprovalWindow),
		ApprovalDuration:     e.cfg.ApprovalWindow,
	}

	events := []Event{newEvent(EventAppointmentBooked, appt.ID, now, map[string]any{
		"appointment_id":       appt.ID,
		"client_id":            appt.ClientID,
		"lawyer_id":            appt.LawyerID,
		"approval_deadline_ms": epochMillis(appt.ApprovalDeadline),
	})}

	err := e.store.Transact(ctx, func(tx Tx) error {
		if err := tx.SaveAppointment(ctx, appt); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("appointment", string(appt.Status))
	return appt, events, nil
}

/* ============================== Approval ================================ */

// Approve moves pending_lawyer_approval → approved_awaiting_payment, stamps
// the payment deadline, and creates the companion consultation-fee payment
// in the same transaction.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != models.AppointmentPendingApproval {
			return lifecycle.NewInvalidTransition("appointment", string(a.Status), "approve")
		}
		// The approval window lapsed: the caller must let expiry fire first.
		if !now.Before(a.ApprovalDeadline) {
			return lifecycle.NewInvalidTransition("appointment", string(a.Status), "approve after deadline")
		}

		deadline := now.Add(e.cfg.PaymentWindow)
		a.Status = models.AppointmentAwaitingPayment
		a.ApprovedAt = &now
		a.PaymentDeadline = &deadline
		a.PaymentDuration = e.cfg.PaymentWindow
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}

		pay := &models.Payment{
			ID:            uuid.New(),
			Type:          models.PaymentConsultationFee,
			AppointmentID: &a.ID,
			AmountCents:   a.ConsultationFeeCents,
			Status:        models.PaymentPending,
			CreatedAt:     now,
			Deadline:      deadline,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return err
		}

		events = []Event{
			newEvent(EventAppointmentApproved, a.ID, now, map[string]any{
				"appointment_id":      a.ID,
				"payment_id":          pay.ID,
				"payment_deadline_ms": epochMillis(deadline),
			}),
			newEvent(EventPaymentCreated, pay.ID, now, map[string]any{
				"payment_id":   pay.ID,
				"type":         pay.Type,
				"amount_cents": pay.AmountCents,
				"deadline_ms":  epochMillis(deadline),
			}),
		}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("appointment", string(appt.Status))
	return appt, events, nil
}

// Decline moves pending_lawyer_approval → declined.
func (e *Engine) Decline(ctx context.Context, id uuid.UUID, reason string) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != models.AppointmentPendingApproval {
			return lifecycle.NewInvalidTransition("appointment", string(a.Status), "decline")
		}
		a.Status = models.AppointmentDeclined
		a.DeclinedAt = &now
		a.DeclineReason = strings.TrimSpace(reason)
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}
		events = []Event{newEvent(EventAppointmentDeclined, a.ID, now, map[string]any{
			"appointment_id": a.ID,
			"reason":         a.DeclineReason,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("appointment", string(appt.Status))
	return appt, events, nil
}

/* ============================ Cancellation ============================== */

// Cancel is client-initiated and legal only from pending_lawyer_approval or
// confirmed. Any live companion payment is voided defensively.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != models.AppointmentPendingApproval && a.Status != models.AppointmentConfirmed {
			return lifecycle.NewInvalidTransition("appointment", string(a.Status), "cancel")
		}
		a.Status = models.AppointmentCancelled
		a.CancelledAt = &now
		a.CancelReason = strings.TrimSpace(reason)
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}
		events = []Event{newEvent(EventAppointmentCancelled, a.ID, now, map[string]any{
			"appointment_id": a.ID,
			"reason":         a.CancelReason,
		})}

		pending, err := tx.PendingPaymentsForAppointment(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := voidPendingPayments(ctx, tx, now, pending, &events); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("appointment", string(appt.Status))
	return appt, events, nil
}

// Complete moves confirmed → completed, after the consultation took place.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != models.AppointmentConfirmed {
			return lifecycle.NewInvalidTransition("appointment", string(a.Status), "complete")
		}
		a.Status = models.AppointmentCompleted
		a.CompletedAt = &now
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}
		events = []Event{newEvent(EventAppointmentCompleted, a.ID, now, map[string]any{
			"appointment_id": a.ID,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("appointment", string(appt.Status))
	return appt, events, nil
}

/* ============================== Expiry ================================== */

// ExpireApproval fires when the approval window lapses with the appointment
// still pending. Idempotent: a terminal appointment, or one whose deadline
// has not actually passed, is returned unchanged with no events.
func (e *Engine) ExpireApproval(ctx context.Context, id uuid.UUID) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		appt = a
		if a.Status != models.AppointmentPendingApproval || now.Before(a.ApprovalDeadline) {
			return nil // nothing to do
		}
		a.Status = models.AppointmentExpired
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}
		events = []Event{newEvent(EventAppointmentApprovalExpired, a.ID, now, map[string]any{
			"appointment_id": a.ID,
			"deadline_ms":    epochMillis(a.ApprovalDeadline),
		})}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	if len(events) > 0 {
		e.countTransition("appointment", string(appt.Status))
	}
	return appt, events, nil
}

// ExpirePayment fires when the payment window lapses while the appointment
// awaits payment. The companion pending payment expires in the same
// transaction. Idempotent like ExpireApproval.
func (e *Engine) ExpirePayment(ctx context.Context, id uuid.UUID) (*models.Appointment, []Event, error) {
	now := e.clock.Now()
	var (
		appt   *models.Appointment
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		a, err := tx.AppointmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		appt = a
		if a.Status != models.AppointmentAwaitingPayment || a.PaymentDeadline == nil || now.Before(*a.PaymentDeadline) {
			return nil
		}
		a.Status = models.AppointmentPaymentExpired
		if err := tx.SaveAppointment(ctx, a); err != nil {
			return err
		}
		events = []Event{newEvent(EventAppointmentPaymentExpired, a.ID, now, map[string]any{
			"appointment_id": a.ID,
			"deadline_ms":    epochMillis(*a.PaymentDeadline),
		})}

		pending, err := tx.PendingPaymentsForAppointment(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := voidPendingPayments(ctx, tx, now, pending, &events); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	if len(events) > 0 {
		e.countTransition("appointment", string(appt.Status))
	}
	return appt, events, nil
}
