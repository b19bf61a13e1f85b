package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

// Writes staged inside a failing transaction never reach the store.
func Test_Transact_RollsBackOnError(t *testing.T) {
	s := New()
	id := uuid.New()
	boom := errors.New("boom")

	err := s.Transact(context.Background(), func(tx engine.Tx) error {
		if err := tx.SaveAppointment(context.Background(), &models.Appointment{
			ID:     id,
			Status: models.AppointmentPendingApproval,
		}); err != nil {
			return err
		}
		if err := tx.AppendEvents(context.Background(), []models.OutboxEvent{{
			ID: uuid.New(), Type: "appointment.booked", EntityID: id,
		}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transact err = %v", err)
	}

	if _, err := s.GetAppointment(context.Background(), id); !lifecycle.IsNotFound(err) {
		t.Fatalf("appointment leaked past rollback: %v", err)
	}
	if len(s.Outbox()) != 0 {
		t.Fatalf("outbox leaked %d events", len(s.Outbox()))
	}
}

// A committed transaction merges all staged writes at once.
func Test_Transact_CommitsStagedWrites(t *testing.T) {
	s := New()
	apptID := uuid.New()
	payID := uuid.New()

	err := s.Transact(context.Background(), func(tx engine.Tx) error {
		if err := tx.SaveAppointment(context.Background(), &models.Appointment{
			ID:     apptID,
			Status: models.AppointmentAwaitingPayment,
		}); err != nil {
			return err
		}
		if err := tx.CreatePayment(context.Background(), &models.Payment{
			ID:            payID,
			Type:          models.PaymentConsultationFee,
			AppointmentID: &apptID,
			AmountCents:   15000,
			Status:        models.PaymentPending,
			Deadline:      time.Now().Add(48 * time.Hour),
		}); err != nil {
			return err
		}
		return tx.AppendEvents(context.Background(), []models.OutboxEvent{{
			ID: uuid.New(), Type: "payment.created", EntityID: payID,
		}})
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	if _, err := s.GetAppointment(context.Background(), apptID); err != nil {
		t.Fatalf("appointment: %v", err)
	}
	if _, err := s.GetPayment(context.Background(), payID); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if got := s.Outbox(); len(got) != 1 || got[0].Type != "payment.created" {
		t.Fatalf("outbox = %+v", got)
	}
}

// Reads inside a transaction observe that transaction's own staged writes.
func Test_Transact_ReadsOwnWrites(t *testing.T) {
	s := New()
	id := uuid.New()

	err := s.Transact(context.Background(), func(tx engine.Tx) error {
		if err := tx.SaveAppointment(context.Background(), &models.Appointment{
			ID:     id,
			Status: models.AppointmentPendingApproval,
		}); err != nil {
			return err
		}
		a, err := tx.AppointmentForUpdate(context.Background(), id)
		if err != nil {
			return err
		}
		if a.Status != models.AppointmentPendingApproval {
			t.Fatalf("staged read = %s", a.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
}

// Due scans only report entities whose deadline has actually passed.
func Test_DueScans_RespectDeadlines(t *testing.T) {
	s := New()
	now := time.Now()
	due := uuid.New()
	notDue := uuid.New()

	err := s.Transact(context.Background(), func(tx engine.Tx) error {
		if err := tx.SaveAppointment(context.Background(), &models.Appointment{
			ID:               due,
			Status:           models.AppointmentPendingApproval,
			ApprovalDeadline: now.Add(-time.Minute),
		}); err != nil {
			return err
		}
		return tx.SaveAppointment(context.Background(), &models.Appointment{
			ID:               notDue,
			Status:           models.AppointmentPendingApproval,
			ApprovalDeadline: now.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ids, err := s.DueApprovals(context.Background(), now)
	if err != nil {
		t.Fatalf("due approvals: %v", err)
	}
	if len(ids) != 1 || ids[0] != due {
		t.Fatalf("due = %v", ids)
	}
}
