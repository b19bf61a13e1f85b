package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/internal/store/memstore"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

/* ============================================================================
   Helpers
   ============================================================================ */

const (
	approvalWindow = 24 * time.Hour
	paymentWindow  = 48 * time.Hour
)

// fakeClock is a manually advanced clock so tests control deadline math
// exactly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordSink collects delivered events in order.
type recordSink struct {
	mu     sync.Mutex
	events []engine.Event
}

func (s *recordSink) Deliver(_ context.Context, ev engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	eng   *engine.Engine
	store *memstore.Store
	clock *fakeClock
	sink  *recordSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	clock := newFakeClock()
	sink := &recordSink{}
	eng := engine.New(store, clock, sink, nil, nil, engine.Config{
		ApprovalWindow: approvalWindow,
		PaymentWindow:  paymentWindow,
	})
	return &fixture{eng: eng, store: store, clock: clock, sink: sink}
}

func bookParams() engine.BookParams {
	return engine.BookParams{
		ClientID:         uuid.New(),
		LawyerID:         uuid.New(),
		ConsultationType: "video",
		CaseType:         "employment",
		Description:      "Unfair dismissal after maternity leave",
		SelectedDate:     "2025-06-10",
		SelectedTime:     "14:30",
		ConsultationFee:  15000,
	}
}

// book creates a pending appointment.
func (f *fixture) book(t *testing.T) *models.Appointment {
	t.Helper()
	a, _, err := f.eng.Book(context.Background(), bookParams())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return a
}

// bookApproved creates an appointment in approved_awaiting_payment and
// returns it with its companion pending payment.
func (f *fixture) bookApproved(t *testing.T) (*models.Appointment, *models.Payment) {
	t.Helper()
	a := f.book(t)
	a, events, err := f.eng.Approve(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	var payID uuid.UUID
	for _, ev := range events {
		if ev.Type == engine.EventPaymentCreated {
			payID = ev.EntityID
		}
	}
	if payID == uuid.Nil {
		t.Fatal("approve emitted no payment.created event")
	}
	p, err := f.eng.GetPayment(context.Background(), payID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return a, p
}

// bookConfirmed drives an appointment all the way to confirmed.
func (f *fixture) bookConfirmed(t *testing.T) *models.Appointment {
	t.Helper()
	a, p := f.bookApproved(t)
	if _, _, err := f.eng.ConfirmPayment(context.Background(), p.ID); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	a, err := f.eng.GetAppointment(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	return a
}

// openCase creates an active case with the given total fees.
func (f *fixture) openCase(t *testing.T, totalFees int) *models.Case {
	t.Helper()
	cs, _, err := f.eng.OpenCase(context.Background(), engine.OpenCaseParams{
		ClientID:  uuid.New(),
		LawyerID:  uuid.New(),
		Title:     "Contract dispute",
		CaseType:  "commercial",
		TotalFees: totalFees,
	})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return cs
}

// requestPayment issues a payment request and returns the refreshed case and
// the new pending payment.
func (f *fixture) requestPayment(t *testing.T, caseID uuid.UUID, amount int, deadline time.Time) (*models.Case, *models.Payment) {
	t.Helper()
	cs, events, err := f.eng.RequestPayment(context.Background(), caseID, amount, deadline)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	var payID uuid.UUID
	for _, ev := range events {
		if ev.Type == engine.EventPaymentCreated {
			payID = ev.EntityID
		}
	}
	p, err := f.eng.GetPayment(context.Background(), payID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return cs, p
}

func wantKind(t *testing.T, err error, kind lifecycle.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s error, got nil", kind)
	}
	if got := lifecycle.KindOf(err); got != kind {
		t.Fatalf("want %s, got %s (%v)", kind, got, err)
	}
}
