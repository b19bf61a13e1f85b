package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/pkg/models"
)

// Event types emitted by the engine. Payloads carry entity ids plus the
// fields a notification needs; deadlines are epoch milliseconds.
const (
	EventAppointmentBooked          = "appointment.booked"
	EventAppointmentApproved        = "appointment.approved"
	EventAppointmentDeclined        = "appointment.declined"
	EventAppointmentConfirmed       = "appointment.confirmed"
	EventAppointmentCompleted       = "appointment.completed"
	EventAppointmentCancelled       = "appointment.cancelled"
	EventAppointmentApprovalExpired = "appointment.approval_expired"
	EventAppointmentPaymentExpired  = "appointment.payment_expired"

	EventPaymentCreated   = "payment.created"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentExpired   = "payment.expired"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"

	EventCaseOpened           = "case.opened"
	EventCasePaymentRequested = "case.payment_requested"
	EventCasePaymentRecorded  = "case.payment_recorded"
	EventCasePaymentOverdue   = "case.payment_overdue"
	EventCaseProgressUpdated  = "case.progress_updated"
	EventCaseDocumentAdded    = "case.document_added"
	EventCaseDocumentRemoved  = "case.document_removed"
	EventCaseMessageAdded     = "case.message_added"
	EventCaseClosed           = "case.closed"
	EventCaseTerminated       = "case.terminated"
)

// Event is a single lifecycle notification. Delivery is at-least-once; the
// ID is the de-duplication key for sinks.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func newEvent(typ string, entityID uuid.UUID, at time.Time, payload map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		EntityID:   entityID,
		Payload:    payload,
		OccurredAt: at,
	}
}

// outboxRows converts events for in-transaction persistence.
func outboxRows(events []Event) []models.OutboxEvent {
	rows := make([]models.OutboxEvent, 0, len(events))
	for _, ev := range events {
		var payload []byte
		if ev.Payload != nil {
			payload, _ = json.Marshal(ev.Payload)
		}
		rows = append(rows, models.OutboxEvent{
			ID:        ev.ID,
			Type:      ev.Type,
			EntityID:  ev.EntityID,
			Payload:   payload,
			CreatedAt: ev.OccurredAt,
		})
	}
	return rows
}
