package appointments

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/auth"
	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/pkg/models"
	"github.com/lexhub/engagement-engine/pkg/sanitize"
)

// Directory lists appointments for the authenticated party. Both store
// drivers implement it.
type Directory interface {
	ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID) ([]models.Appointment, error)
	ListAppointmentsByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Appointment, error)
}

type Handler struct {
	eng *engine.Engine
	dir Directory
}

func NewHandler(eng *engine.Engine, dir Directory) *Handler {
	return &Handler{eng: eng, dir: dir}
}

func parsePage(c *fiber.Ctx) (page, size int) {
	page, _ = strconv.Atoi(c.Query("page", "1"))
	size, _ = strconv.Atoi(c.Query("pageSize", "10"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 50 {
		size = 10
	}
	return
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

func ms(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

/* ================================ DTOs ================================= */

type AppointmentItem struct {
	ID               uuid.UUID                `json:"id"`
	ClientID         uuid.UUID                `json:"client_id"`
	LawyerID         uuid.UUID                `json:"lawyer_id"`
	ConsultationType models.ConsultationType  `json:"consultation_type"`
	CaseType         string                   `json:"case_type"`
	Description      string                   `json:"description"`
	Urgency          models.Urgency           `json:"urgency"`
	SelectedDate     string                   `json:"selected_date"`
	SelectedTime     string                   `json:"selected_time"`
	FeeCents         int                      `json:"consultation_fee_cents"`
	Status           models.AppointmentStatus `json:"status"`
	CreatedAt        time.Time                `json:"created_at"`

	// Deadlines as epoch milliseconds, so clients can render countdowns
	// without timezone math.
	ApprovalDeadlineMS int64  `json:"approval_deadline_ms"`
	PaymentDeadlineMS  *int64 `json:"payment_deadline_ms,omitempty"`

	DeclineReason string `json:"decline_reason,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
}

func toItem(a *models.Appointment) AppointmentItem {
	return AppointmentItem{
		ID:                 a.ID,
		ClientID:           a.ClientID,
		LawyerID:           a.LawyerID,
		ConsultationType:   a.ConsultationType,
		CaseType:           a.CaseType,
		Description:        a.Description,
		Urgency:            a.Urgency,
		SelectedDate:       a.SelectedDate,
		SelectedTime:       a.SelectedTime,
		FeeCents:           a.ConsultationFeeCents,
		Status:             a.Status,
		CreatedAt:          a.CreatedAt,
		ApprovalDeadlineMS: a.ApprovalDeadline.UnixMilli(),
		PaymentDeadlineMS:  ms(a.PaymentDeadline),
		DeclineReason:      a.DeclineReason,
		CancelReason:       a.CancelReason,
	}
}

/* ================================ Book ================================= */

type BookRequest struct {
	LawyerID         string `json:"lawyer_id"`
	ConsultationType string `json:"consultation_type"`
	CaseType         string `json:"case_type"`
	Description      string `json:"description"`
	Urgency          string `json:"urgency"`
	SelectedDate     string `json:"selected_date"`
	SelectedTime     string `json:"selected_time"`
	FeeCents         int    `json:"consultation_fee_cents"`
}

// @Summary      Book an appointment
// @Description  Client requests a consultation; it waits for lawyer approval
// @Tags         appointments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  BookRequest  true  "Booking payload"
// @Success      201  {object}  AppointmentItem
// @Failure      400  {object}  models.ValidationErrorResponse
// @Router       /appointments [post]
func (h *Handler) Book(c *fiber.Ctx) error {
	clientID, _ := uuid.Parse(auth.MustUserID(c))

	var in BookRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	lawyerID, err := uuid.Parse(strings.TrimSpace(in.LawyerID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid lawyer_id")
	}

	a, _, err := h.eng.Book(c.Context(), engine.BookParams{
		ClientID:         clientID,
		LawyerID:         lawyerID,
		ConsultationType: in.ConsultationType,
		CaseType:         in.CaseType,
		Description:      in.Description,
		Urgency:          in.Urgency,
		SelectedDate:     in.SelectedDate,
		SelectedTime:     in.SelectedTime,
		ConsultationFee:  in.FeeCents,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toItem(a))
}

/* ================================ Lists ================================= */

// @Summary      List my appointments
// @Description  Client view; newest first
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        page      query  int  false  "Page"
// @Param        pageSize  query  int  false  "Page size (max 50)"
// @Router       /appointments/mine [get]
func (h *Handler) ListMine(c *fiber.Ctx) error {
	clientID, _ := uuid.Parse(auth.MustUserID(c))
	rows, err := h.dir.ListAppointmentsByClient(c.Context(), clientID)
	if err != nil {
		return err
	}
	return h.paged(c, rows, false)
}

// @Summary      List incoming appointments
// @Description  Lawyer view; descriptions are redacted previews until confirmed
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Router       /appointments/incoming [get]
func (h *Handler) ListIncoming(c *fiber.Ctx) error {
	lawyerID, _ := uuid.Parse(auth.MustUserID(c))
	rows, err := h.dir.ListAppointmentsByLawyer(c.Context(), lawyerID)
	if err != nil {
		return err
	}
	return h.paged(c, rows, true)
}

func (h *Handler) paged(c *fiber.Ctx, rows []models.Appointment, redact bool) error {
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		kept := rows[:0]
		for _, a := range rows {
			if string(a.Status) == status {
				kept = append(kept, a)
			}
		}
		rows = kept
	}

	page, size := parsePage(c)
	total := len(rows)
	lo := (page - 1) * size
	if lo > total {
		lo = total
	}
	hi := lo + size
	if hi > total {
		hi = total
	}

	items := make([]AppointmentItem, 0, hi-lo)
	for _, a := range rows[lo:hi] {
		it := toItem(&a)
		if redact && a.Status == models.AppointmentPendingApproval {
			// Until the lawyer approves, they see only a sanitised preview.
			it.Description = sanitize.Summary(sanitize.RedactPII(a.Description), 160)
		}
		items = append(items, it)
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": items,
	})
}

/* ================================= Get ================================== */

// @Summary      Get an appointment
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Appointment ID"
// @Success      200  {object}  AppointmentItem
// @Failure      404  {object}  models.ErrorResponse
// @Router       /appointments/{id} [get]
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.eng.GetAppointment(c.Context(), id)
	if err != nil {
		return err
	}

	uid := auth.MustUserID(c)
	if uid != a.ClientID.String() && uid != a.LawyerID.String() {
		return fiber.ErrForbidden
	}

	it := toItem(a)
	if uid == a.LawyerID.String() && a.Status == models.AppointmentPendingApproval {
		it.Description = sanitize.Summary(sanitize.RedactPII(a.Description), 160)
	}
	return c.JSON(it)
}

/* ============================= Transitions ============================== */

// @Summary      Approve an appointment
// @Description  Lawyer accepts; a pending consultation-fee payment is created
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Appointment ID"
// @Success      200  {object}  AppointmentItem
// @Failure      409  {object}  models.ErrorResponse
// @Router       /appointments/{id}/approve [post]
func (h *Handler) Approve(c *fiber.Ctx) error {
	return h.lawyerTransition(c, func(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
		a, _, err := h.eng.Approve(ctx, id)
		return a, err
	})
}

type reasonReq struct {
	Reason string `json:"reason"`
}

// @Summary      Decline an appointment
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Appointment ID"
// @Router       /appointments/{id}/decline [post]
func (h *Handler) Decline(c *fiber.Ctx) error {
	var in reasonReq
	_ = c.BodyParser(&in)
	return h.lawyerTransition(c, func(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
		a, _, err := h.eng.Decline(ctx, id, strings.TrimSpace(in.Reason))
		return a, err
	})
}

// @Summary      Complete an appointment
// @Description  Lawyer marks a confirmed consultation as held
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Appointment ID"
// @Router       /appointments/{id}/complete [post]
func (h *Handler) Complete(c *fiber.Ctx) error {
	return h.lawyerTransition(c, func(ctx context.Context, id uuid.UUID) (*models.Appointment, error) {
		a, _, err := h.eng.Complete(ctx, id)
		return a, err
	})
}

// @Summary      Cancel an appointment
// @Description  Client withdraws a pending or confirmed appointment
// @Tags         appointments
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Appointment ID"
// @Router       /appointments/{id}/cancel [post]
func (h *Handler) Cancel(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.eng.GetAppointment(c.Context(), id)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != a.ClientID.String() {
		return fiber.ErrForbidden
	}

	var in reasonReq
	_ = c.BodyParser(&in)

	a, _, err = h.eng.Cancel(c.Context(), id, strings.TrimSpace(in.Reason))
	if err != nil {
		return err
	}
	return c.JSON(toItem(a))
}

/* ============================ Payment retry ============================= */

type retryReq struct {
	PaymentID string `json:"payment_id"`
}

// @Summary      Retry a failed consultation-fee payment
// @Description  Client opens a fresh payment attempt while the window is open
// @Tags         appointments
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string    true  "Appointment ID"
// @Param        payload  body  retryReq  true  "Failed payment to replace"
// @Failure      409  {object}  models.ErrorResponse
// @Router       /appointments/{id}/payments/retry [post]
func (h *Handler) RetryPayment(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.eng.GetAppointment(c.Context(), id)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != a.ClientID.String() {
		return fiber.ErrForbidden
	}

	var in retryReq
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	pid, err := uuid.Parse(strings.TrimSpace(in.PaymentID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment_id")
	}
	old, err := h.eng.GetPayment(c.Context(), pid)
	if err != nil {
		return err
	}
	if old.AppointmentID == nil || *old.AppointmentID != id {
		return fiber.ErrNotFound
	}

	p, _, err := h.eng.RetryPayment(c.Context(), pid)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id": p.ID, "status": p.Status, "amount_cents": p.AmountCents,
		"deadline_ms": p.Deadline.UnixMilli(),
	})
}

// lawyerTransition loads the appointment, checks the caller is its lawyer,
// then applies fn.
func (h *Handler) lawyerTransition(c *fiber.Ctx, fn func(ctx context.Context, id uuid.UUID) (*models.Appointment, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.eng.GetAppointment(c.Context(), id)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != a.LawyerID.String() {
		return fiber.ErrForbidden
	}

	a, err = fn(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(toItem(a))
}
