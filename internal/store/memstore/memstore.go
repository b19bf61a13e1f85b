// Package memstore is an in-memory Store used by the engine tests and the
// STORE_DRIVER=memory dev mode. A single mutex serialises transactions, so
// every transition is per-entity atomic; writes are staged per transaction
// and merged only on commit, matching the rollback behaviour of the
// Postgres-backed store.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

type Store struct {
	mu sync.Mutex

	appointments map[uuid.UUID]models.Appointment
	payments     map[uuid.UUID]models.Payment
	cases        map[uuid.UUID]models.Case
	documents    map[uuid.UUID]models.CaseDocument
	messages     map[uuid.UUID]models.CaseMessage
	users        map[uuid.UUID]models.User
	timeline     []models.TimelineEntry
	outbox       []models.OutboxEvent
}

func New() *Store {
	return &Store{
		appointments: make(map[uuid.UUID]models.Appointment),
		payments:     make(map[uuid.UUID]models.Payment),
		cases:        make(map[uuid.UUID]models.Case),
		documents:    make(map[uuid.UUID]models.CaseDocument),
		messages:     make(map[uuid.UUID]models.CaseMessage),
		users:        make(map[uuid.UUID]models.User),
	}
}

/* ============================ Transactions ============================== */

// tx stages writes; they reach the parent maps only when the transaction
// function returns nil.
type tx struct {
	s *Store

	appointments map[uuid.UUID]models.Appointment
	payments     map[uuid.UUID]models.Payment
	cases        map[uuid.UUID]models.Case
	documents    map[uuid.UUID]models.CaseDocument
	messages     map[uuid.UUID]models.CaseMessage
	docDeletes   map[uuid.UUID]bool
	timeline     []models.TimelineEntry
	outbox       []models.OutboxEvent
}

func (s *Store) Transact(ctx context.Context, fn func(t engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:            s,
		appointments: make(map[uuid.UUID]models.Appointment),
		payments:     make(map[uuid.UUID]models.Payment),
		cases:        make(map[uuid.UUID]models.Case),
		documents:    make(map[uuid.UUID]models.CaseDocument),
		messages:     make(map[uuid.UUID]models.CaseMessage),
		docDeletes:   make(map[uuid.UUID]bool),
	}
	if err := fn(t); err != nil {
		return err
	}

	for id, a := range t.appointments {
		s.appointments[id] = a
	}
	for id, p := range t.payments {
		s.payments[id] = p
	}
	for id, c := range t.cases {
		s.cases[id] = c
	}
	for id, d := range t.documents {
		s.documents[id] = d
	}
	for id := range t.docDeletes {
		delete(s.documents, id)
	}
	for id, m := range t.messages {
		s.messages[id] = m
	}
	s.timeline = append(s.timeline, t.timeline...)
	s.outbox = append(s.outbox, t.outbox...)
	return nil
}

/* =============================== Reads ================================== */

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, lifecycle.NewNotFound("appointment", id.String())
	}
	return &a, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, lifecycle.NewNotFound("payment", id.String())
	}
	return &p, nil
}

func (s *Store) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, lifecycle.NewNotFound("case", id.String())
	}
	c.Documents = []models.CaseDocument{}
	c.Messages = []models.CaseMessage{}
	c.Timeline = []models.TimelineEntry{}
	for _, d := range s.documents {
		if d.CaseID == id {
			c.Documents = append(c.Documents, d)
		}
	}
	for _, m := range s.messages {
		if m.CaseID == id {
			c.Messages = append(c.Messages, m)
		}
	}
	for _, e := range s.timeline {
		if e.CaseID == id {
			c.Timeline = append(c.Timeline, e)
		}
	}
	sort.Slice(c.Documents, func(i, j int) bool { return c.Documents[i].CreatedAt.Before(c.Documents[j].CreatedAt) })
	sort.Slice(c.Messages, func(i, j int) bool { return c.Messages[i].CreatedAt.Before(c.Messages[j].CreatedAt) })
	return &c, nil
}

func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, lifecycle.NewNotFound("document", id.String())
	}
	return &d, nil
}

/* =============================== Users ================================== */

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return errors.New("email already exists")
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, lifecycle.NewNotFound("user", email)
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, lifecycle.NewNotFound("user", id.String())
	}
	return &u, nil
}

func (s *Store) DueApprovals(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range s.appointments {
		if a.Status == models.AppointmentPendingApproval && !now.Before(a.ApprovalDeadline) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) DuePayments(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range s.appointments {
		if a.Status == models.AppointmentAwaitingPayment && a.PaymentDeadline != nil && !now.Before(*a.PaymentDeadline) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) DueCaseWindows(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, c := range s.cases {
		if c.Status == models.CasePaymentPending && c.NextPaymentDeadline != nil && !now.Before(*c.NextPaymentDeadline) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

/* ============================ List helpers ============================== */

// ListAppointmentsByClient returns a client's appointments, newest first.
func (s *Store) ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID) ([]models.Appointment, error) {
	return s.listAppointments(func(a models.Appointment) bool { return a.ClientID == clientID })
}

// ListAppointmentsByLawyer returns a lawyer's appointments, newest first.
func (s *Store) ListAppointmentsByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Appointment, error) {
	return s.listAppointments(func(a models.Appointment) bool { return a.LawyerID == lawyerID })
}

func (s *Store) listAppointments(keep func(models.Appointment) bool) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Appointment{}
	for _, a := range s.appointments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListCasesByClient returns a client's cases, newest first.
func (s *Store) ListCasesByClient(ctx context.Context, clientID uuid.UUID) ([]models.Case, error) {
	return s.listCases(func(c models.Case) bool { return c.ClientID == clientID })
}

// ListCasesByLawyer returns a lawyer's cases, newest first.
func (s *Store) ListCasesByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Case, error) {
	return s.listCases(func(c models.Case) bool { return c.LawyerID == lawyerID })
}

func (s *Store) listCases(keep func(models.Case) bool) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Case{}
	for _, c := range s.cases {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

// Outbox returns a copy of the persisted events, in insertion order.
func (s *Store) Outbox() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

/* ============================ Tx methods ================================ */

func (t *tx) AppointmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	if a, ok := t.appointments[id]; ok {
		return &a, nil
	}
	a, ok := t.s.appointments[id]
	if !ok {
		return nil, lifecycle.NewNotFound("appointment", id.String())
	}
	return &a, nil
}

func (t *tx) SaveAppointment(ctx context.Context, a *models.Appointment) error {
	t.appointments[a.ID] = *a
	return nil
}

func (t *tx) PaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	if p, ok := t.payments[id]; ok {
		return &p, nil
	}
	p, ok := t.s.payments[id]
	if !ok {
		return nil, lifecycle.NewNotFound("payment", id.String())
	}
	return &p, nil
}

func (t *tx) CreatePayment(ctx context.Context, p *models.Payment) error {
	t.payments[p.ID] = *p
	return nil
}

func (t *tx) SavePayment(ctx context.Context, p *models.Payment) error {
	t.payments[p.ID] = *p
	return nil
}

func (t *tx) PendingPaymentsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.Payment, error) {
	return t.pendingPayments(func(p models.Payment) bool {
		return p.AppointmentID != nil && *p.AppointmentID == appointmentID
	}), nil
}

func (t *tx) PendingPaymentsForCase(ctx context.Context, caseID uuid.UUID) ([]models.Payment, error) {
	return t.pendingPayments(func(p models.Payment) bool {
		return p.CaseID != nil && *p.CaseID == caseID
	}), nil
}

func (t *tx) pendingPayments(keep func(models.Payment) bool) []models.Payment {
	var out []models.Payment
	seen := make(map[uuid.UUID]bool)
	for id, p := range t.payments {
		seen[id] = true
		if p.Status == models.PaymentPending && keep(p) {
			out = append(out, p)
		}
	}
	for id, p := range t.s.payments {
		if !seen[id] && p.Status == models.PaymentPending && keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (t *tx) CasePaymentTotals(ctx context.Context, caseID uuid.UUID) (success, refunded int, err error) {
	seen := make(map[uuid.UUID]bool)
	add := func(p models.Payment) {
		if p.CaseID == nil || *p.CaseID != caseID {
			return
		}
		switch p.Status {
		case models.PaymentSuccess:
			success += p.AmountCents
		case models.PaymentRefunded:
			refunded += p.AmountCents
		}
	}
	for id, p := range t.payments {
		seen[id] = true
		add(p)
	}
	for id, p := range t.s.payments {
		if !seen[id] {
			add(p)
		}
	}
	return success, refunded, nil
}

func (t *tx) CaseForUpdate(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	if c, ok := t.cases[id]; ok {
		return &c, nil
	}
	c, ok := t.s.cases[id]
	if !ok {
		return nil, lifecycle.NewNotFound("case", id.String())
	}
	return &c, nil
}

func (t *tx) CreateCase(ctx context.Context, cs *models.Case) error {
	t.cases[cs.ID] = *cs
	return nil
}

func (t *tx) SaveCase(ctx context.Context, cs *models.Case) error {
	t.cases[cs.ID] = *cs
	return nil
}

func (t *tx) CreateDocument(ctx context.Context, d *models.CaseDocument) error {
	t.documents[d.ID] = *d
	return nil
}

func (t *tx) DocumentForUpdate(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error) {
	if d, ok := t.documents[id]; ok {
		return &d, nil
	}
	d, ok := t.s.documents[id]
	if !ok || t.docDeletes[id] {
		return nil, lifecycle.NewNotFound("document", id.String())
	}
	return &d, nil
}

func (t *tx) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	delete(t.documents, id)
	t.docDeletes[id] = true
	return nil
}

func (t *tx) CreateMessage(ctx context.Context, m *models.CaseMessage) error {
	t.messages[m.ID] = *m
	return nil
}

func (t *tx) AppendTimeline(ctx context.Context, entry *models.TimelineEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	t.timeline = append(t.timeline, *entry)
	return nil
}

func (t *tx) AppendEvents(ctx context.Context, events []models.OutboxEvent) error {
	t.outbox = append(t.outbox, events...)
	return nil
}
