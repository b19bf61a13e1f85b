package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/pkg/models"
)

// Store is the record store consumed by the engine. Implementations must
// return lifecycle.NewNotFound errors for missing rows so the taxonomy
// survives the storage boundary.
type Store interface {
	// Transact runs fn atomically. Paired cross-entity writes (approve +
	// payment creation, confirm + parent update) always go through a single
	// Transact call; either all writes land or none do.
	Transact(ctx context.Context, fn func(tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*models.Appointment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	// GetCase loads the case with documents, messages, and timeline.
	GetCase(ctx context.Context, id uuid.UUID) (*models.Case, error)

	// Deadline scans for the tracker: ids of entities still in the guarded
	// state whose stored absolute deadline is at or before now. Entities
	// that left the guarded state by another transition simply stop showing
	// up; no explicit cancellation call exists.
	DueApprovals(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	DuePayments(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	DueCaseWindows(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Tx exposes the writes available inside a Store transaction. Row loads take
// an update lock where the backend supports one, so a transition is atomic
// per entity.
type Tx interface {
	AppointmentForUpdate(ctx context.Context, id uuid.UUID) (*models.Appointment, error)
	SaveAppointment(ctx context.Context, a *models.Appointment) error

	PaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	CreatePayment(ctx context.Context, p *models.Payment) error
	SavePayment(ctx context.Context, p *models.Payment) error
	// PendingPayments returns live PENDING payments for the given parent.
	PendingPaymentsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]models.Payment, error)
	PendingPaymentsForCase(ctx context.Context, caseID uuid.UUID) ([]models.Payment, error)
	// CasePaymentTotals returns summed SUCCESS and REFUNDED cents for a case.
	CasePaymentTotals(ctx context.Context, caseID uuid.UUID) (success, refunded int, err error)

	CaseForUpdate(ctx context.Context, id uuid.UUID) (*models.Case, error)
	CreateCase(ctx context.Context, cs *models.Case) error
	SaveCase(ctx context.Context, cs *models.Case) error

	CreateDocument(ctx context.Context, d *models.CaseDocument) error
	DocumentForUpdate(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	CreateMessage(ctx context.Context, m *models.CaseMessage) error

	AppendTimeline(ctx context.Context, entry *models.TimelineEntry) error
	AppendEvents(ctx context.Context, events []models.OutboxEvent) error
}
