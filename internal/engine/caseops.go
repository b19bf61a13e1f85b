package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
	"github.com/lexhub/engagement-engine/pkg/validation"
)

/* =============================== Opening ================================ */

// OpenCaseParams is the input to OpenCase. AppointmentID is optional; when
// set, the referenced appointment must be completed and belong to the same
// client/lawyer pair.
type OpenCaseParams struct {
	ClientID      uuid.UUID  `json:"client_id" validate:"required"`
	LawyerID      uuid.UUID  `json:"lawyer_id" validate:"required"`
	AppointmentID *uuid.UUID `json:"appointment_id"`
	Title         string     `json:"title" validate:"required,max=120"`
	CaseType      string     `json:"case_type" validate:"required,max=40"`
	TotalFees     int        `json:"total_fees_cents" validate:"required,gt=0"`
}

// OpenCase creates a case in active. Case creation is always an explicit
// action; completing an appointment never opens one by itself.
func (e *Engine) OpenCase(ctx context.Context, in OpenCaseParams) (*models.Case, []Event, error) {
	if errs, err := validation.Validate(in); err != nil {
		return nil, nil, err
	} else if errs != nil {
		return nil, nil, lifecycle.NewValidation(errs)
	}

	now := e.clock.Now()
	cs := &models.Case{
		ID:             uuid.New(),
		ClientID:       in.ClientID,
		LawyerID:       in.LawyerID,
		AppointmentID:  in.AppointmentID,
		Title:          strings.TrimSpace(in.Title),
		CaseType:       strings.TrimSpace(in.CaseType),
		TotalFeesCents: in.TotalFees,
		Status:         models.CaseActive,
		OpenedAt:       now,
	}
	events := []Event{newEvent(EventCaseOpened, cs.ID, now, map[string]any{
		"case_id":   cs.ID,
		"client_id": cs.ClientID,
		"lawyer_id": cs.LawyerID,
	})}

	err := e.store.Transact(ctx, func(tx Tx) error {
		if in.AppointmentID != nil {
			a, err := tx.AppointmentForUpdate(ctx, *in.AppointmentID)
			if err != nil {
				return err
			}
			if a.Status != models.AppointmentCompleted {
				return lifecycle.NewInvalidTransition("appointment", string(a.Status), "open case from")
			}
			if a.ClientID != in.ClientID || a.LawyerID != in.LawyerID {
				return lifecycle.NewValidation(map[string][]string{
					"appointment_id": {"Appointment belongs to different parties"},
				})
			}
		}
		if err := tx.CreateCase(ctx, cs); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
			CaseID:    cs.ID,
			ActorID:   cs.LawyerID,
			Action:    "opened",
			NewStatus: cs.Status,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("case", string(cs.Status))
	return cs, events, nil
}

/* =============================== Billing ================================ */

// RequestPayment moves active → payment_pending, creates the pending
// case-fee payment, and stamps the payment window deadline — all in one
// transaction.
func (e *Engine) RequestPayment(ctx context.Context, caseID uuid.UUID, amountCents int, deadline time.Time) (*models.Case, []Event, error) {
	now := e.clock.Now()
	if amountCents <= 0 {
		return nil, nil, lifecycle.NewValidation(map[string][]string{
			"amount_cents": {"Must be greater than 0"},
		})
	}
	if !deadline.After(now) {
		return nil, nil, lifecycle.NewValidation(map[string][]string{
			"deadline": {"Must be in the future"},
		})
	}

	var (
		cs     *models.Case
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		if c.Status != models.CaseActive {
			return lifecycle.NewInvalidTransition("case", string(c.Status), "request payment")
		}

		success, _, err := tx.CasePaymentTotals(ctx, c.ID)
		if err != nil {
			return err
		}
		if success+amountCents > c.TotalFeesCents {
			return lifecycle.NewOverpayment(c.ID.String())
		}

		c.Status = models.CasePaymentPending
		c.NextPaymentDeadline = &deadline
		if err := tx.SaveCase(ctx, c); err != nil {
			return err
		}

		pay := &models.Payment{
			ID:          uuid.New(),
			Type:        models.PaymentCaseFee,
			CaseID:      &c.ID,
			AmountCents: amountCents,
			Status:      models.PaymentPending,
			CreatedAt:   now,
			Deadline:    deadline,
		}
		if err := tx.CreatePayment(ctx, pay); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
			CaseID:    c.ID,
			ActorID:   c.LawyerID,
			Action:    "payment_requested",
			OldStatus: models.CaseActive,
			NewStatus: c.Status,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		events = []Event{
			newEvent(EventCasePaymentRequested, c.ID, now, map[string]any{
				"case_id":      c.ID,
				"payment_id":   pay.ID,
				"amount_cents": amountCents,
				"deadline_ms":  epochMillis(deadline),
			}),
			newEvent(EventPaymentCreated, pay.ID, now, map[string]any{
				"payment_id":   pay.ID,
				"type":         pay.Type,
				"amount_cents": amountCents,
				"deadline_ms":  epochMillis(deadline),
			}),
		}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		cs = c
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("case", string(cs.Status))
	return cs, events, nil
}

// ExpireCasePayment fires when the payment window lapses with the fee still
// uncollected: payment_pending → overdue. The pending payment stays live —
// an overdue fee remains collectable, late. Idempotent.
func (e *Engine) ExpireCasePayment(ctx context.Context, caseID uuid.UUID) (*models.Case, []Event, error) {
	now := e.clock.Now()
	var (
		cs     *models.Case
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		cs = c
		if c.Status != models.CasePaymentPending || c.NextPaymentDeadline == nil || now.Before(*c.NextPaymentDeadline) {
			return nil // nothing to do
		}
		lapsed := *c.NextPaymentDeadline
		c.Status = models.CaseOverdue
		c.NextPaymentDeadline = nil
		if err := tx.SaveCase(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
			CaseID:    c.ID,
			Action:    "payment_overdue",
			OldStatus: models.CasePaymentPending,
			NewStatus: c.Status,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		events = []Event{newEvent(EventCasePaymentOverdue, c.ID, now, map[string]any{
			"case_id":     c.ID,
			"deadline_ms": epochMillis(lapsed),
		})}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	if len(events) > 0 {
		e.countTransition("case", string(cs.Status))
	}
	return cs, events, nil
}

/* ========================= Documents & messages ========================= */

// AppendDocument attaches a document to an open case.
func (e *Engine) AppendDocument(ctx context.Context, d *models.CaseDocument) (*models.CaseDocument, []Event, error) {
	now := e.clock.Now()
	var events []Event
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, d.CaseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = now
		if err := tx.CreateDocument(ctx, d); err != nil {
			return err
		}
		events = []Event{newEvent(EventCaseDocumentAdded, c.ID, now, map[string]any{
			"case_id":     c.ID,
			"document_id": d.ID,
			"name":        d.OriginalName,
		})}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	return d, events, nil
}

// RemoveDocument deletes a single document from an open case.
func (e *Engine) RemoveDocument(ctx context.Context, docID uuid.UUID) ([]Event, error) {
	now := e.clock.Now()
	var events []Event
	err := e.store.Transact(ctx, func(tx Tx) error {
		d, err := tx.DocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		c, err := tx.CaseForUpdate(ctx, d.CaseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		if err := tx.DeleteDocument(ctx, d.ID); err != nil {
			return err
		}
		events = []Event{newEvent(EventCaseDocumentRemoved, c.ID, now, map[string]any{
			"case_id":     c.ID,
			"document_id": d.ID,
		})}
		return tx.AppendEvents(ctx, outboxRows(events))
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, err
	}
	return events, nil
}

// AppendMessage adds a message to an open case thread.
func (e *Engine) AppendMessage(ctx context.Context, caseID, senderID uuid.UUID, body string) (*models.CaseMessage, []Event, error) {
	now := e.clock.Now()
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil, lifecycle.NewValidation(map[string][]string{
			"body": {"This field is required"},
		})
	}
	var (
		msg    *models.CaseMessage
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		m := &models.CaseMessage{
			ID:        uuid.New(),
			CaseID:    c.ID,
			SenderID:  senderID,
			Body:      body,
			CreatedAt: now,
		}
		if err := tx.CreateMessage(ctx, m); err != nil {
			return err
		}
		events = []Event{newEvent(EventCaseMessageAdded, c.ID, now, map[string]any{
			"case_id":    c.ID,
			"message_id": m.ID,
			"sender_id":  senderID,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	return msg, events, nil
}

/* =============================== Progress =============================== */

// UpdateProgress sets the case progress. Progress only moves forward while
// the case is open.
func (e *Engine) UpdateProgress(ctx context.Context, caseID uuid.UUID, progress int) (*models.Case, []Event, error) {
	now := e.clock.Now()
	if progress < 0 || progress > 100 {
		return nil, nil, lifecycle.NewValidation(map[string][]string{
			"progress": {"Must be between 0 and 100"},
		})
	}
	var (
		cs     *models.Case
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		if progress < c.Progress {
			return lifecycle.NewValidation(map[string][]string{
				"progress": {"Progress cannot decrease"},
			})
		}
		c.Progress = progress
		if err := tx.SaveCase(ctx, c); err != nil {
			return err
		}
		events = []Event{newEvent(EventCaseProgressUpdated, c.ID, now, map[string]any{
			"case_id":  c.ID,
			"progress": progress,
		})}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		cs = c
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	return cs, events, nil
}

/* ============================ Terminal exits ============================ */

// Close is the lawyer-initiated successful resolution, legal from any
// non-terminal state. Irreversible.
func (e *Engine) Close(ctx context.Context, caseID, actorID uuid.UUID) (*models.Case, []Event, error) {
	return e.endCase(ctx, caseID, actorID, models.CaseClosed, "closed", "", "")
}

// Terminate is the client-initiated exit, with a required reason category
// and optional free-text detail. Irreversible.
func (e *Engine) Terminate(ctx context.Context, caseID, actorID uuid.UUID, reasonCategory, detail string) (*models.Case, []Event, error) {
	if strings.TrimSpace(reasonCategory) == "" {
		return nil, nil, lifecycle.NewValidation(map[string][]string{
			"reason_category": {"This field is required"},
		})
	}
	return e.endCase(ctx, caseID, actorID, models.CaseTerminated, "terminated", reasonCategory, detail)
}

func (e *Engine) endCase(ctx context.Context, caseID, actorID uuid.UUID, to models.CaseStatus, action, reasonCategory, detail string) (*models.Case, []Event, error) {
	now := e.clock.Now()
	var (
		cs     *models.Case
		events []Event
	)
	err := e.store.Transact(ctx, func(tx Tx) error {
		c, err := tx.CaseForUpdate(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return lifecycle.NewCaseClosed(c.ID.String())
		}
		oldStatus := c.Status
		c.Status = to
		c.NextPaymentDeadline = nil
		switch to {
		case models.CaseClosed:
			c.ClosedAt = &now
		case models.CaseTerminated:
			c.TerminatedAt = &now
			c.TerminationReason = strings.TrimSpace(reasonCategory)
			c.TerminationDetail = strings.TrimSpace(detail)
		}
		if err := tx.SaveCase(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendTimeline(ctx, &models.TimelineEntry{
			CaseID:    c.ID,
			ActorID:   actorID,
			Action:    action,
			OldStatus: oldStatus,
			NewStatus: c.Status,
			Reason:    strings.TrimSpace(reasonCategory),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		typ := EventCaseClosed
		if to == models.CaseTerminated {
			typ = EventCaseTerminated
		}
		events = []Event{newEvent(typ, c.ID, now, map[string]any{
			"case_id": c.ID,
			"reason":  strings.TrimSpace(reasonCategory),
		})}

		// No further payments may land on a terminal case.
		pending, err := tx.PendingPaymentsForCase(ctx, c.ID)
		if err != nil {
			return err
		}
		if err := voidPendingPayments(ctx, tx, now, pending, &events); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, outboxRows(events)); err != nil {
			return err
		}
		cs = c
		return nil
	})
	if err := e.finish(ctx, events, err); err != nil {
		return nil, nil, err
	}
	e.countTransition("case", string(cs.Status))
	return cs, events, nil
}
