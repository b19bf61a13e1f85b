// Package gormstore is the Postgres-backed record store. Row-level FOR
// UPDATE locks make each transition atomic per entity; chained writes share
// one database transaction.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/lifecycle"
	"github.com/lexhub/engagement-engine/pkg/models"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// AutoMigrate creates or updates the engine tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.Appointment{},
		&models.Payment{},
		&models.Case{},
		&models.CaseDocument{},
		&models.CaseMessage{},
		&models.TimelineEntry{},
		&models.OutboxEvent{},
	)
}

// DB exposes the underlying handle for callers outside the engine boundary
// (auth, list queries).
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lifecycle.NewNotFound(entity, id)
	}
	return err
}

/* ============================ Transactions ============================== */

type tx struct {
	db *gorm.DB
}

func (s *Store) Transact(ctx context.Context, fn func(t engine.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&tx{db: gtx})
	})
}

/* =============================== Reads ================================== */

func (s *Store) GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	var a models.Appointment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "appointment", id.String())
	}
	return &a, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "payment", id.String())
	}
	return &p, nil
}

func (s *Store) GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	var c models.Case
	err := s.db.WithContext(ctx).
		Preload("Documents", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("Timeline", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "case", id.String())
	}
	if c.Documents == nil {
		c.Documents = []models.CaseDocument{}
	}
	if c.Messages == nil {
		c.Messages = []models.CaseMessage{}
	}
	if c.Timeline == nil {
		c.Timeline = []models.TimelineEntry{}
	}
	return &c, nil
}

func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error) {
	var d models.CaseDocument
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "document", id.String())
	}
	return &d, nil
}

/* =============================== Users ================================== */

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, notFound(err, "user", email)
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user", id.String())
	}
	return &u, nil
}

func (s *Store) DueApprovals(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("status = ? AND approval_deadline <= ?", models.AppointmentPendingApproval, now).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) DuePayments(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Appointment{}).
		Where("status = ? AND payment_deadline <= ?", models.AppointmentAwaitingPayment, now).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) DueCaseWindows(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Case{}).
		Where("status = ? AND next_payment_deadline <= ?", models.CasePaymentPending, now).
		Pluck("id", &ids).Error
	return ids, err
}

/* ============================ List helpers ============================== */

func (s *Store) ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID) ([]models.Appointment, error) {
	out := []models.Appointment{}
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *Store) ListAppointmentsByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Appointment, error) {
	out := []models.Appointment{}
	err := s.db.WithContext(ctx).
		Where("lawyer_id = ?", lawyerID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *Store) ListCasesByClient(ctx context.Context, clientID uuid.UUID) ([]models.Case, error) {
	out := []models.Case{}
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("opened_at DESC").
		Find(&out).Error
	return out, err
}

func (s *Store) ListCasesByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Case, error) {
	out := []models.Case{}
	err := s.db.WithContext(ctx).
		Where("lawyer_id = ?", lawyerID).
		Order("opened_at DESC").
		Find(&out).Error
	return out, err
}

/* ============================ Tx methods ================================ */

func (t *tx) AppointmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
	var a models.Appointment
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&a, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "appointment", id.String())
	}
	return &a, nil
}

func (t *tx) SaveAppointment(ctx context.Context, a *models.Appointment) error {
	return t.db.WithContext(ctx).Save(a).Error
}

func (t *tx) PaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "payment", id.String())
	}
	return &p, nil
}

func (t *tx) CreatePayment(ctx context.Context, p *models.Payment) error {
	return t.db.WithContext(ctx).Create(p).Error
}

func (t *tx) SavePayment(ctx context.Context, p *models.Payment) error {
	return t.db.WithContext(ctx).Save(p).Error
}

func (t *tx) PendingPaymentsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.Payment, error) {
	var out []models.Payment
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("appointment_id = ? AND status = ?", appointmentID, models.PaymentPending).
		Find(&out).Error
	return out, err
}

func (t *tx) PendingPaymentsForCase(ctx context.Context, caseID uuid.UUID) ([]models.Payment, error) {
	var out []models.Payment
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("case_id = ? AND status = ?", caseID, models.PaymentPending).
		Find(&out).Error
	return out, err
}

func (t *tx) CasePaymentTotals(ctx context.Context, caseID uuid.UUID) (success, refunded int, err error) {
	var row struct {
		Success  int
		Refunded int
	}
	err = t.db.WithContext(ctx).Model(&models.Payment{}).
		Select(`COALESCE(SUM(CASE WHEN status = 'success' THEN amount_cents ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status = 'refunded' THEN amount_cents ELSE 0 END), 0) AS refunded`).
		Where("case_id = ?", caseID).
		Scan(&row).Error
	return row.Success, row.Refunded, err
}

func (t *tx) CaseForUpdate(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	var c models.Case
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "case", id.String())
	}
	return &c, nil
}

func (t *tx) CreateCase(ctx context.Context, cs *models.Case) error {
	return t.db.WithContext(ctx).Create(cs).Error
}

func (t *tx) SaveCase(ctx context.Context, cs *models.Case) error {
	// Save without cascading into the relation slices; the engine appends
	// documents/messages/timeline through their own calls.
	return t.db.WithContext(ctx).Omit(clause.Associations).Save(cs).Error
}

func (t *tx) CreateDocument(ctx context.Context, d *models.CaseDocument) error {
	return t.db.WithContext(ctx).Omit(clause.Associations).Create(d).Error
}

func (t *tx) DocumentForUpdate(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error) {
	var d models.CaseDocument
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&d, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "document", id.String())
	}
	return &d, nil
}

func (t *tx) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	return t.db.WithContext(ctx).Delete(&models.CaseDocument{}, "id = ?", id).Error
}

func (t *tx) CreateMessage(ctx context.Context, m *models.CaseMessage) error {
	return t.db.WithContext(ctx).Create(m).Error
}

func (t *tx) AppendTimeline(ctx context.Context, entry *models.TimelineEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(entry).Error
}

func (t *tx) AppendEvents(ctx context.Context, events []models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).Create(&events).Error
}
