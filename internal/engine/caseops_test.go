package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

/* ============================================================================
   Tests — opening
   ============================================================================ */

// A fresh case starts active with zero paid.
func Test_OpenCase_StartsActive(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 250000)
	if cs.Status != models.CaseActive {
		t.Fatalf("status = %s", cs.Status)
	}
	if cs.PaidAmountCents != 0 || cs.Progress != 0 {
		t.Fatalf("paid %d, progress %d", cs.PaidAmountCents, cs.Progress)
	}
	if got := f.sink.types(); len(got) != 1 || got[0] != engine.EventCaseOpened {
		t.Fatalf("events = %v", got)
	}
}

// Opening rejects a missing title and a non-positive fee.
func Test_OpenCase_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.eng.OpenCase(context.Background(), engine.OpenCaseParams{
		ClientID: uuid.New(),
		LawyerID: uuid.New(),
		CaseType: "family",
	})
	wantKind(t, err, lifecycle.KindValidation)
}

// A case may reference the completed appointment it grew out of; any other
// appointment state is rejected.
func Test_OpenCase_FromAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.bookConfirmed(t)

	params := engine.OpenCaseParams{
		ClientID:      a.ClientID,
		LawyerID:      a.LawyerID,
		AppointmentID: &a.ID,
		Title:         "Dismissal claim",
		CaseType:      "employment",
		TotalFees:     300000,
	}

	// Confirmed is not completed yet.
	_, _, err := f.eng.OpenCase(context.Background(), params)
	wantKind(t, err, lifecycle.KindInvalidTransition)

	if _, _, err := f.eng.Complete(context.Background(), a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cs, _, err := f.eng.OpenCase(context.Background(), params)
	if err != nil {
		t.Fatalf("open from completed: %v", err)
	}
	if cs.AppointmentID == nil || *cs.AppointmentID != a.ID {
		t.Fatalf("appointment link = %v", cs.AppointmentID)
	}

	// The linked appointment must belong to the same pair.
	params.ClientID = uuid.New()
	_, _, err = f.eng.OpenCase(context.Background(), params)
	wantKind(t, err, lifecycle.KindValidation)
}

/* ============================================================================
   Tests — billing window
   ============================================================================ */

// RequestPayment is active-only and wants a future deadline.
func Test_RequestPayment_Guards(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)

	_, _, err := f.eng.RequestPayment(context.Background(), cs.ID, 40000, f.clock.Now().Add(-time.Hour))
	wantKind(t, err, lifecycle.KindValidation)

	_, _, err = f.eng.RequestPayment(context.Background(), cs.ID, 0, f.clock.Now().Add(time.Hour))
	wantKind(t, err, lifecycle.KindValidation)

	deadline := f.clock.Now().Add(72 * time.Hour)
	cs, _ = f.requestPayment(t, cs.ID, 40000, deadline)

	// One open request at a time.
	_, _, err = f.eng.RequestPayment(context.Background(), cs.ID, 10000, deadline)
	wantKind(t, err, lifecycle.KindInvalidTransition)
}

// The window sweep is a strict no-op before the deadline and idempotent
// after it.
func Test_ExpireCasePayment_Idempotent(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)
	deadline := f.clock.Now().Add(24 * time.Hour)
	cs, p := f.requestPayment(t, cs.ID, 40000, deadline)

	got, events, err := f.eng.ExpireCasePayment(context.Background(), cs.ID)
	if err != nil || len(events) != 0 {
		t.Fatalf("premature sweep: %v %v", events, err)
	}
	if got.Status != models.CasePaymentPending {
		t.Fatalf("status = %s", got.Status)
	}

	f.clock.Advance(24 * time.Hour)
	got, events, err = f.eng.ExpireCasePayment(context.Background(), cs.ID)
	if err != nil || len(events) != 1 {
		t.Fatalf("sweep at deadline: %v %v", events, err)
	}
	if got.Status != models.CaseOverdue || got.NextPaymentDeadline != nil {
		t.Fatalf("case = %s, deadline %v", got.Status, got.NextPaymentDeadline)
	}

	got, events, err = f.eng.ExpireCasePayment(context.Background(), cs.ID)
	if err != nil || len(events) != 0 {
		t.Fatalf("second sweep: %v %v", events, err)
	}
	if got.Status != models.CaseOverdue {
		t.Fatalf("status = %s", got.Status)
	}

	// The fee itself stays live through the sweep.
	pp, _ := f.eng.GetPayment(context.Background(), p.ID)
	if pp.Status != models.PaymentPending {
		t.Fatalf("payment = %s", pp.Status)
	}
}

/* ============================================================================
   Tests — documents & messages
   ============================================================================ */

// Documents attach and detach while the case is open, and not after.
func Test_Documents_OpenCaseOnly(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)

	d, _, err := f.eng.AppendDocument(context.Background(), &models.CaseDocument{
		CaseID:       cs.ID,
		UploaderID:   cs.ClientID,
		Key:          "cases/evidence-01.pdf",
		Mime:         "application/pdf",
		Size:         48211,
		OriginalName: "evidence-01.pdf",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if d.ID == uuid.Nil || d.CreatedAt.IsZero() {
		t.Fatalf("document not stamped: %+v", d)
	}
	if _, err := f.eng.RemoveDocument(context.Background(), d.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, _, err := f.eng.Close(context.Background(), cs.ID, cs.LawyerID); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, err = f.eng.AppendDocument(context.Background(), &models.CaseDocument{
		CaseID:       cs.ID,
		UploaderID:   cs.ClientID,
		Key:          "cases/late.pdf",
		Mime:         "application/pdf",
		Size:         10,
		OriginalName: "late.pdf",
	})
	wantKind(t, err, lifecycle.KindCaseClosed)
}

// Messages need a body and an open case.
func Test_Messages_RequireBodyAndOpenCase(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)

	_, _, err := f.eng.AppendMessage(context.Background(), cs.ID, cs.ClientID, "   ")
	wantKind(t, err, lifecycle.KindValidation)

	m, _, err := f.eng.AppendMessage(context.Background(), cs.ID, cs.ClientID, "  Any update on the filing?  ")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if m.Body != "Any update on the filing?" {
		t.Fatalf("body = %q", m.Body)
	}

	if _, _, err := f.eng.Close(context.Background(), cs.ID, cs.LawyerID); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, err = f.eng.AppendMessage(context.Background(), cs.ID, cs.ClientID, "too late")
	wantKind(t, err, lifecycle.KindCaseClosed)
}

/* ============================================================================
   Tests — progress
   ============================================================================ */

// Progress is 0–100 and only moves forward.
func Test_Progress_MonotoneWithinRange(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)

	_, _, err := f.eng.UpdateProgress(context.Background(), cs.ID, 101)
	wantKind(t, err, lifecycle.KindValidation)

	cs, _, err = f.eng.UpdateProgress(context.Background(), cs.ID, 40)
	if err != nil || cs.Progress != 40 {
		t.Fatalf("progress = %d, %v", cs.Progress, err)
	}

	_, _, err = f.eng.UpdateProgress(context.Background(), cs.ID, 30)
	wantKind(t, err, lifecycle.KindValidation)

	// Re-asserting the current value is allowed.
	cs, _, err = f.eng.UpdateProgress(context.Background(), cs.ID, 40)
	if err != nil || cs.Progress != 40 {
		t.Fatalf("progress = %d, %v", cs.Progress, err)
	}

	if _, _, err := f.eng.Close(context.Background(), cs.ID, cs.LawyerID); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, _, err = f.eng.UpdateProgress(context.Background(), cs.ID, 100)
	wantKind(t, err, lifecycle.KindCaseClosed)
}

/* ============================================================================
   Tests — terminal exits
   ============================================================================ */

// Close stamps closedAt, voids the open payment request, and locks the case.
func Test_Close_VoidsPendingPayments(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)
	deadline := f.clock.Now().Add(72 * time.Hour)
	cs, p := f.requestPayment(t, cs.ID, 40000, deadline)

	cs, _, err := f.eng.Close(context.Background(), cs.ID, cs.LawyerID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if cs.Status != models.CaseClosed || cs.ClosedAt == nil {
		t.Fatalf("case = %s, closedAt %v", cs.Status, cs.ClosedAt)
	}
	if cs.NextPaymentDeadline != nil {
		t.Fatalf("deadline survived close: %v", cs.NextPaymentDeadline)
	}

	pp, _ := f.eng.GetPayment(context.Background(), p.ID)
	if pp.Status != models.PaymentExpired {
		t.Fatalf("pending payment = %s after close", pp.Status)
	}
	_, _, err = f.eng.ConfirmPayment(context.Background(), p.ID)
	wantKind(t, err, lifecycle.KindInvalidTransition)

	// Terminal means terminal.
	_, _, err = f.eng.Close(context.Background(), cs.ID, cs.LawyerID)
	wantKind(t, err, lifecycle.KindCaseClosed)
	_, _, err = f.eng.Terminate(context.Background(), cs.ID, cs.ClientID, "resolved_elsewhere", "")
	wantKind(t, err, lifecycle.KindCaseClosed)
}

// Terminate requires a reason category and records both fields.
func Test_Terminate_RecordsReason(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)

	_, _, err := f.eng.Terminate(context.Background(), cs.ID, cs.ClientID, "  ", "details")
	wantKind(t, err, lifecycle.KindValidation)

	cs, _, err = f.eng.Terminate(context.Background(), cs.ID, cs.ClientID, "lost_confidence", "  Switching firms.  ")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if cs.Status != models.CaseTerminated || cs.TerminatedAt == nil {
		t.Fatalf("case = %s, terminatedAt %v", cs.Status, cs.TerminatedAt)
	}
	if cs.TerminationReason != "lost_confidence" || cs.TerminationDetail != "Switching firms." {
		t.Fatalf("reason = %q, detail = %q", cs.TerminationReason, cs.TerminationDetail)
	}
}

// An overdue case can still be closed or terminated.
func Test_EndCase_FromOverdue(t *testing.T) {
	f := newFixture(t)
	cs := f.openCase(t, 100000)
	deadline := f.clock.Now().Add(24 * time.Hour)
	cs, _ = f.requestPayment(t, cs.ID, 40000, deadline)
	f.clock.Advance(25 * time.Hour)
	if _, _, err := f.eng.ExpireCasePayment(context.Background(), cs.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	cs, _, err := f.eng.Terminate(context.Background(), cs.ID, cs.ClientID, "unresponsive", "")
	if err != nil {
		t.Fatalf("terminate overdue: %v", err)
	}
	if cs.Status != models.CaseTerminated {
		t.Fatalf("status = %s", cs.Status)
	}
}
