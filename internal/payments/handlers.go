package payments

import (
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/auth"
	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/models"
)

type Handler struct{ eng *engine.Engine }

func NewHandler(eng *engine.Engine) *Handler { return &Handler{eng: eng} }

/* ================================ DTOs ================================= */

type PaymentItem struct {
	ID            uuid.UUID            `json:"id"`
	Type          models.PaymentType   `json:"type"`
	AppointmentID *uuid.UUID           `json:"appointment_id,omitempty"`
	CaseID        *uuid.UUID           `json:"case_id,omitempty"`
	AmountCents   int                  `json:"amount_cents"`
	Status        models.PaymentStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	DeadlineMS    int64                `json:"deadline_ms"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

func toItem(p *models.Payment) PaymentItem {
	return PaymentItem{
		ID:            p.ID,
		Type:          p.Type,
		AppointmentID: p.AppointmentID,
		CaseID:        p.CaseID,
		AmountCents:   p.AmountCents,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		DeadlineMS:    p.Deadline.UnixMilli(),
		PaidAt:        p.PaidAt,
		FailureReason: p.FailureReason,
	}
}

/* ================================= Get ================================== */

// @Summary      Get a payment
// @Tags         payments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Payment ID"
// @Success      200  {object}  PaymentItem
// @Failure      404  {object}  models.ErrorResponse
// @Router       /payments/{id} [get]
func (h *Handler) Get(c *fiber.Ctx) error {
	p, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.requireParty(c, p); err != nil {
		return err
	}
	return c.JSON(toItem(p))
}

/* ============================ Mock provider ============================= */

// The confirm/fail endpoints stand in for a payment-provider webhook. They
// are enabled only with PAYMENT_PROVIDER=mock and guarded by a shared
// secret so no client can mark its own payments as paid.
func requireDevSecret(c *fiber.Ctx) error {
	if os.Getenv("PAYMENT_PROVIDER") != "mock" {
		return fiber.ErrNotFound
	}
	if c.Get("X-Dev-Secret") == "" || c.Get("X-Dev-Secret") != os.Getenv("DEV_PAYMENT_SECRET") {
		return fiber.NewError(fiber.StatusUnauthorized, "missing/invalid X-Dev-Secret")
	}
	return nil
}

// @Summary      Confirm a payment (mock provider)
// @Description  Marks a pending payment successful; rejected once its deadline passed
// @Tags         payments
// @Produce      json
// @Param        id            path    string  true  "Payment ID"
// @Param        X-Dev-Secret  header  string  true  "Shared provider secret"
// @Success      200  {object}  PaymentItem
// @Failure      409  {object}  models.ErrorResponse  "deadline exceeded or overpayment"
// @Router       /payments/{id}/confirm [post]
func (h *Handler) Confirm(c *fiber.Ctx) error {
	if err := requireDevSecret(c); err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, _, err := h.eng.ConfirmPayment(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(toItem(p))
}

type failReq struct {
	Reason string `json:"reason"`
}

// @Summary      Fail a payment (mock provider)
// @Description  Records a provider-side failure; the client may retry with a new payment
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        id            path    string   true  "Payment ID"
// @Param        X-Dev-Secret  header  string   true  "Shared provider secret"
// @Param        payload       body    failReq  true  "Failure reason"
// @Success      200  {object}  PaymentItem
// @Router       /payments/{id}/fail [post]
func (h *Handler) Fail(c *fiber.Ctx) error {
	if err := requireDevSecret(c); err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in failReq
	_ = c.BodyParser(&in)

	p, _, err := h.eng.FailPayment(c.Context(), id, strings.TrimSpace(in.Reason))
	if err != nil {
		return err
	}
	return c.JSON(toItem(p))
}

/* ================================ Refund ================================ */

// @Summary      Refund a payment
// @Description  Lawyer returns a successful payment; case totals shrink accordingly
// @Tags         payments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Payment ID"
// @Success      200  {object}  PaymentItem
// @Failure      409  {object}  models.ErrorResponse
// @Router       /payments/{id}/refund [post]
func (h *Handler) Refund(c *fiber.Ctx) error {
	p, err := h.load(c)
	if err != nil {
		return err
	}
	lawyerID, err := h.lawyerFor(c, p)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != lawyerID.String() {
		return fiber.ErrForbidden
	}

	p, _, err = h.eng.RefundPayment(c.Context(), p.ID)
	if err != nil {
		return err
	}
	return c.JSON(toItem(p))
}

/* =============================== Helpers ================================ */

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}
	return id, nil
}

func (h *Handler) load(c *fiber.Ctx) (*models.Payment, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	return h.eng.GetPayment(c.Context(), id)
}

// requireParty checks the caller belongs to the payment's parent entity.
func (h *Handler) requireParty(c *fiber.Ctx, p *models.Payment) error {
	uid := auth.MustUserID(c)
	switch {
	case p.AppointmentID != nil:
		a, err := h.eng.GetAppointment(c.Context(), *p.AppointmentID)
		if err != nil {
			return err
		}
		if uid != a.ClientID.String() && uid != a.LawyerID.String() {
			return fiber.ErrForbidden
		}
	case p.CaseID != nil:
		cs, err := h.eng.GetCase(c.Context(), *p.CaseID)
		if err != nil {
			return err
		}
		if uid != cs.ClientID.String() && uid != cs.LawyerID.String() {
			return fiber.ErrForbidden
		}
	default:
		return fiber.ErrForbidden
	}
	return nil
}

func (h *Handler) lawyerFor(c *fiber.Ctx, p *models.Payment) (uuid.UUID, error) {
	switch {
	case p.AppointmentID != nil:
		a, err := h.eng.GetAppointment(c.Context(), *p.AppointmentID)
		if err != nil {
			return uuid.Nil, err
		}
		return a.LawyerID, nil
	case p.CaseID != nil:
		cs, err := h.eng.GetCase(c.Context(), *p.CaseID)
		if err != nil {
			return uuid.Nil, err
		}
		return cs.LawyerID, nil
	}
	return uuid.Nil, fiber.ErrForbidden
}
