package models

import (
	"time"

	"github.com/google/uuid"
)

/* =============================== Enums ================================== */

// Role defines the type of user in the system.
type Role string

const (
	RoleClient Role = "client"
	RoleLawyer Role = "lawyer"
)

// ConsultationType defines how a consultation is held.
type ConsultationType string

const (
	ConsultationVideo    ConsultationType = "video"
	ConsultationInOffice ConsultationType = "in_office"
	ConsultationPhone    ConsultationType = "phone"
)

// Urgency defines how urgent the client marked the request.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// AppointmentStatus defines lifecycle states for an appointment.
type AppointmentStatus string

const (
	AppointmentPendingApproval AppointmentStatus = "pending_lawyer_approval"
	AppointmentAwaitingPayment AppointmentStatus = "approved_awaiting_payment"
	AppointmentConfirmed       AppointmentStatus = "confirmed"
	AppointmentCompleted       AppointmentStatus = "completed"
	AppointmentDeclined        AppointmentStatus = "declined"
	AppointmentExpired         AppointmentStatus = "expired"
	AppointmentPaymentExpired  AppointmentStatus = "payment_expired"
	AppointmentCancelled       AppointmentStatus = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case AppointmentCompleted, AppointmentDeclined, AppointmentExpired,
		AppointmentPaymentExpired, AppointmentCancelled:
		return true
	}
	return false
}

// PaymentType distinguishes what fee a payment collects.
type PaymentType string

const (
	PaymentConsultationFee PaymentType = "consultation_fee"
	PaymentCaseFee         PaymentType = "case_fee"
)

// PaymentStatus defines lifecycle states for a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentExpired  PaymentStatus = "expired"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Terminal reports whether a payment can still change state.
// SUCCESS is not terminal here: it may still be refunded.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentExpired, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CaseStatus defines lifecycle states for a case.
type CaseStatus string

const (
	CaseActive         CaseStatus = "active"
	CasePaymentPending CaseStatus = "payment_pending"
	CaseOverdue        CaseStatus = "overdue"
	CaseClosed         CaseStatus = "closed"
	CaseTerminated     CaseStatus = "terminated"
)

// Terminal reports whether the case accepts further mutations.
func (s CaseStatus) Terminal() bool {
	return s == CaseClosed || s == CaseTerminated
}

/* =============================== Entities =============================== */

// User represents a client or lawyer.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         Role      `gorm:"type:varchar(20);not null"`
	Name         string
	Jurisdiction string
	BarNumber    string
	CreatedAt    time.Time
}

// Appointment represents a single requested consultation between a client
// and a lawyer, gated by lawyer approval and client payment.
type Appointment struct {
	ID       uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID uuid.UUID `gorm:"type:uuid;not null;index"`
	LawyerID uuid.UUID `gorm:"type:uuid;not null;index"`

	ConsultationType ConsultationType `gorm:"type:varchar(20);not null"`
	CaseType         string           `gorm:"not null"`
	Description      string
	Urgency          Urgency `gorm:"type:varchar(10);default:'medium'"`
	SelectedDate     string  `gorm:"not null"` // YYYY-MM-DD
	SelectedTime     string  `gorm:"not null"` // HH:MM

	// Stored in cents to avoid float issues.
	ConsultationFeeCents int `gorm:"not null"`

	Status    AppointmentStatus `gorm:"type:varchar(30);default:'pending_lawyer_approval'"`
	CreatedAt time.Time

	// Deadlines are absolute timestamps; each is set exactly once and never
	// moves backward.
	ApprovalDeadline time.Time     `gorm:"not null"`
	ApprovalDuration time.Duration `gorm:"not null"`
	PaymentDeadline  *time.Time
	PaymentDuration  time.Duration

	// Stamped exactly once, on the matching transition.
	ApprovedAt  *time.Time
	DeclinedAt  *time.Time
	PaidAt      *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	// Present only on the corresponding terminal state.
	DeclineReason string
	CancelReason  string
}

// Payment represents a single fee collection attempt. Exactly one of
// AppointmentID / CaseID is set; the parent owns the relationship.
type Payment struct {
	ID            uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Type          PaymentType `gorm:"type:varchar(20);not null"`
	AppointmentID *uuid.UUID  `gorm:"type:uuid;index"`
	CaseID        *uuid.UUID  `gorm:"type:uuid;index"`

	AmountCents int           `gorm:"not null"`
	Status      PaymentStatus `gorm:"type:varchar(20);default:'pending'"`
	CreatedAt   time.Time
	Deadline    time.Time `gorm:"not null"`
	PaidAt      *time.Time

	FailureReason string
}

// Case represents an ongoing engagement with its own billing and
// document/message history, independent of any one appointment.
type Case struct {
	ID            uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	LawyerID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	AppointmentID *uuid.UUID `gorm:"type:uuid"` // set when opened from a completed appointment

	Title    string `gorm:"not null"`
	CaseType string `gorm:"not null"`

	TotalFeesCents  int `gorm:"not null"`
	PaidAmountCents int `gorm:"not null;default:0"`

	Status   CaseStatus `gorm:"type:varchar(20);default:'active'"`
	Progress int        `gorm:"not null;default:0"` // 0-100, monotone while non-terminal

	// Present only while status is payment_pending.
	NextPaymentDeadline *time.Time

	OpenedAt     time.Time
	ClosedAt     *time.Time
	TerminatedAt *time.Time

	TerminationReason string
	TerminationDetail string

	// Relations
	Documents []CaseDocument
	Messages  []CaseMessage
	Timeline  []TimelineEntry
}

// CaseDocument is a file attached to a case. Entries are append-only but
// individually removable while the case is open.
type CaseDocument struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseID       uuid.UUID `gorm:"type:uuid;not null;index"`
	UploaderID   uuid.UUID `gorm:"type:uuid;not null"`
	Key          string    `gorm:"not null"`
	Mime         string    `gorm:"not null"`
	Size         int       `gorm:"not null"`
	OriginalName string
	CreatedAt    time.Time

	Case Case `gorm:"foreignKey:CaseID;references:ID"`
}

// CaseMessage is a message on a case thread; never mutated after insertion.
type CaseMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseID    uuid.UUID `gorm:"type:uuid;not null;index"`
	SenderID  uuid.UUID `gorm:"type:uuid;not null"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// TimelineEntry is an audit record for important case changes.
type TimelineEntry struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	CaseID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	ActorID   uuid.UUID  `gorm:"type:uuid;index"` // who performed the action (zero for system)
	Action    string     `gorm:"type:varchar(50);not null"`
	OldStatus CaseStatus `gorm:"type:varchar(20)"`
	NewStatus CaseStatus `gorm:"type:varchar(20)"`
	Reason    string     `gorm:"type:text"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
}

// OutboxEvent is a lifecycle event persisted in the same transaction as the
// transition it reports. Delivery to the notification sink is at-least-once;
// sinks de-duplicate by ID.
type OutboxEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type      string    `gorm:"type:varchar(60);not null;index"`
	EntityID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Payload   []byte    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
}
