package cases

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
)

// Directory covers the list and lookup reads the case handlers need beyond
// the orchestrator. Both store drivers implement it.
type Directory interface {
	ListCasesByClient(ctx context.Context, clientID uuid.UUID) ([]models.Case, error)
	ListCasesByLawyer(ctx context.Context, lawyerID uuid.UUID) ([]models.Case, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*models.CaseDocument, error)
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

func ms(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

/* ================================ DTOs ================================= */

type CaseItem struct {
	ID            uuid.UUID         `json:"id"`
	ClientID      uuid.UUID         `json:"client_id"`
	LawyerID      uuid.UUID         `json:"lawyer_id"`
	AppointmentID *uuid.UUID        `json:"appointment_id,omitempty"`
	Title         string            `json:"title"`
	CaseType      string            `json:"case_type"`
	Status        models.CaseStatus `json:"status"`
	Progress      int               `json:"progress"`

	TotalFeesCents  int `json:"total_fees_cents"`
	PaidAmountCents int `json:"paid_amount_cents"`

	NextPaymentDeadlineMS *int64 `json:"next_payment_deadline_ms,omitempty"`

	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

type documentItem struct {
	ID           uuid.UUID `json:"id"`
	UploaderID   uuid.UUID `json:"uploader_id"`
	Key          string    `json:"key"`
	Mime         string    `json:"mime"`
	Size         int       `json:"size"`
	OriginalName string    `json:"original_name"`
	CreatedAt    time.Time `json:"created_at"`
}

type messageItem struct {
	ID        uuid.UUID `json:"id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type timelineItem struct {
	Action    string            `json:"action"`
	ActorID   uuid.UUID         `json:"actor_id"`
	OldStatus models.CaseStatus `json:"old_status,omitempty"`
	NewStatus models.CaseStatus `json:"new_status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type CaseDetail struct {
	CaseItem
	Documents []documentItem `json:"documents"`
	Messages  []messageItem  `json:"messages"`
	Timeline  []timelineItem `json:"timeline"`
}

func toItem(cs *models.Case) CaseItem {
	return CaseItem{
		ID:                    cs.ID,
		ClientID:              cs.ClientID,
		LawyerID:              cs.LawyerID,
		AppointmentID:         cs.AppointmentID,
		Title:                 cs.Title,
		CaseType:              cs.CaseType,
		Status:                cs.Status,
		Progress:              cs.Progress,
		TotalFeesCents:        cs.TotalFeesCents,
		PaidAmountCents:       cs.PaidAmountCents,
		NextPaymentDeadlineMS: ms(cs.NextPaymentDeadline),
		OpenedAt:              cs.OpenedAt,
		ClosedAt:              cs.ClosedAt,
		TerminatedAt:          cs.TerminatedAt,
		TerminationReason:     cs.TerminationReason,
	}
}

func toDetail(cs *models.Case) CaseDetail {
	d := CaseDetail{
		CaseItem:  toItem(cs),
		Documents: make([]documentItem, 0, len(cs.Documents)),
		Messages:  make([]messageItem, 0, len(cs.Messages)),
		Timeline:  make([]timelineItem, 0, len(cs.Timeline)),
	}
	for _, doc := range cs.Documents {
		d.Documents = append(d.Documents, documentItem{
			ID: doc.ID, UploaderID: doc.UploaderID, Key: doc.Key,
			Mime: doc.Mime, Size: doc.Size, OriginalName: doc.OriginalName,
			CreatedAt: doc.CreatedAt,
		})
	}
	for _, m := range cs.Messages {
		d.Messages = append(d.Messages, messageItem{
			ID: m.ID, SenderID: m.SenderID, Body: m.Body, CreatedAt: m.CreatedAt,
		})
	}
	for _, t := range cs.Timeline {
		d.Timeline = append(d.Timeline, timelineItem{
			Action: t.Action, ActorID: t.ActorID,
			OldStatus: t.OldStatus, NewStatus: t.NewStatus,
			Reason: t.Reason, CreatedAt: t.CreatedAt,
		})
	}
	return d
}

/* ================================ Open ================================= */

type OpenRequest struct {
	ClientID      string `json:"client_id"`
	AppointmentID string `json:"appointment_id"`
	Title         string `json:"title"`
	CaseType      string `json:"case_type"`
	TotalFees     int    `json:"total_fees_cents"`
}

// @Summary      Open a case
// @Description  Lawyer opens an engagement, optionally from a completed appointment
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body  OpenRequest  true  "Case payload"
// @Success      201  {object}  CaseItem
// @Failure      400  {object}  models.ValidationErrorResponse
// @Router       /cases [post]
func (h *Handler) Open(c *fiber.Ctx) error {
	lawyerID, _ := uuid.Parse(auth.MustUserID(c))

	var in OpenRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	clientID, err := uuid.Parse(strings.TrimSpace(in.ClientID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid client_id")
	}
	var apptID *uuid.UUID
	if s := strings.TrimSpace(in.AppointmentID); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid appointment_id")
		}
		apptID = &id
	}

	cs, _, err := h.eng.OpenCase(c.Context(), engine.OpenCaseParams{
		ClientID:      clientID,
		LawyerID:      lawyerID,
		AppointmentID: apptID,
		Title:         strings.TrimSpace(in.Title),
		CaseType:      strings.TrimSpace(in.CaseType),
		TotalFees:     in.TotalFees,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toItem(cs))
}

/* ================================ Lists ================================= */

// @Summary      List my cases
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Router       /cases/mine [get]
func (h *Handler) ListMine(c *fiber.Ctx) error {
	clientID, _ := uuid.Parse(auth.MustUserID(c))
	rows, err := h.dir.ListCasesByClient(c.Context(), clientID)
	if err != nil {
		return err
	}
	return paged(c, rows)
}

// @Summary      List assigned cases
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Router       /cases/assigned [get]
func (h *Handler) ListAssigned(c *fiber.Ctx) error {
	lawyerID, _ := uuid.Parse(auth.MustUserID(c))
	rows, err := h.dir.ListCasesByLawyer(c.Context(), lawyerID)
	if err != nil {
		return err
	}
	return paged(c, rows)
}

func paged(c *fiber.Ctx, rows []models.Case) error {
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		kept := rows[:0]
		for _, cs := range rows {
			if string(cs.Status) == status {
				kept = append(kept, cs)
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

	items := make([]CaseItem, 0, hi-lo)
	for _, cs := range rows[lo:hi] {
		items = append(items, toItem(&cs))
	}
	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": items,
	})
}

/* ================================= Get ================================== */

// @Summary      Get case detail
// @Description  Full snapshot with documents, messages and timeline
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Case ID"
// @Success      200  {object}  CaseDetail
// @Failure      404  {object}  models.ErrorResponse
// @Router       /cases/{id} [get]
func (h *Handler) Get(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	return c.JSON(toDetail(cs))
}

/* =========================== Payment requests =========================== */

type PaymentRequestBody struct {
	AmountCents int   `json:"amount_cents"`
	DeadlineMS  int64 `json:"deadline_ms"`
}

// @Summary      Request a fee payment
// @Description  Lawyer asks the client to pay part of the agreed fees
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string              true  "Case ID"
// @Param        payload  body  PaymentRequestBody  true  "Amount and deadline"
// @Success      201  {object}  CaseItem
// @Failure      409  {object}  models.ErrorResponse  "overpayment or wrong state"
// @Router       /cases/{id}/payment-requests [post]
func (h *Handler) RequestPayment(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != cs.LawyerID.String() {
		return fiber.ErrForbidden
	}

	var in PaymentRequestBody
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if in.DeadlineMS <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "deadline_ms required")
	}

	cs, _, err = h.eng.RequestPayment(c.Context(), cs.ID, in.AmountCents, time.UnixMilli(in.DeadlineMS))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toItem(cs))
}

/* ============================== Documents =============================== */

type AddDocumentRequest struct {
	Key          string `json:"key"`
	Mime         string `json:"mime"`
	Size         int    `json:"size"`
	OriginalName string `json:"original_name"`
}

// @Summary      Attach a document
// @Description  Records document metadata; bytes live in object storage
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string              true  "Case ID"
// @Param        payload  body  AddDocumentRequest  true  "Document metadata"
// @Success      201  {object}  documentItem
// @Failure      409  {object}  models.ErrorResponse  "case closed"
// @Router       /cases/{id}/documents [post]
func (h *Handler) AddDocument(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	uid, _ := uuid.Parse(auth.MustUserID(c))

	var in AddDocumentRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" || in.Size <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "key and size>0 required")
	}

	doc := &models.CaseDocument{
		CaseID:       cs.ID,
		UploaderID:   uid,
		Key:          in.Key,
		Mime:         in.Mime,
		Size:         in.Size,
		OriginalName: in.OriginalName,
	}
	doc, _, err = h.eng.AppendDocument(c.Context(), doc)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(documentItem{
		ID: doc.ID, UploaderID: doc.UploaderID, Key: doc.Key,
		Mime: doc.Mime, Size: doc.Size, OriginalName: doc.OriginalName,
		CreatedAt: doc.CreatedAt,
	})
}

// @Summary      Remove a document
// @Description  Uploader or the case lawyer may remove it while the case is open
// @Tags         cases
// @Security     BearerAuth
// @Param        docID  path  string  true  "Document ID"
// @Success      204
// @Failure      409  {object}  models.ErrorResponse  "case closed"
// @Router       /documents/{docID} [delete]
func (h *Handler) RemoveDocument(c *fiber.Ctx) error {
	docID, err := uuid.Parse(c.Params("docID"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid document id")
	}
	doc, err := h.dir.GetDocument(c.Context(), docID)
	if err != nil {
		return err
	}
	cs, err := h.eng.GetCase(c.Context(), doc.CaseID)
	if err != nil {
		return err
	}
	uid := auth.MustUserID(c)
	if uid != doc.UploaderID.String() && uid != cs.LawyerID.String() {
		return fiber.ErrForbidden
	}

	if _, err := h.eng.RemoveDocument(c.Context(), docID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

/* =============================== Messages =============================== */

type MessageRequest struct {
	Body string `json:"body"`
}

// @Summary      Post a case message
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string          true  "Case ID"
// @Param        payload  body  MessageRequest  true  "Message body"
// @Success      201  {object}  messageItem
// @Failure      409  {object}  models.ErrorResponse  "case closed"
// @Router       /cases/{id}/messages [post]
func (h *Handler) AddMessage(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	uid, _ := uuid.Parse(auth.MustUserID(c))

	var in MessageRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}

	m, _, err := h.eng.AppendMessage(c.Context(), cs.ID, uid, in.Body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(messageItem{
		ID: m.ID, SenderID: m.SenderID, Body: m.Body, CreatedAt: m.CreatedAt,
	})
}

/* =============================== Progress =============================== */

type ProgressRequest struct {
	Progress int `json:"progress"`
}

// @Summary      Update case progress
// @Description  Lawyer-reported completion percentage; never decreases
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string           true  "Case ID"
// @Param        payload  body  ProgressRequest  true  "New progress (0-100)"
// @Success      200  {object}  CaseItem
// @Router       /cases/{id}/progress [patch]
func (h *Handler) UpdateProgress(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	if auth.MustUserID(c) != cs.LawyerID.String() {
		return fiber.ErrForbidden
	}

	var in ProgressRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}

	cs, _, err = h.eng.UpdateProgress(c.Context(), cs.ID, in.Progress)
	if err != nil {
		return err
	}
	return c.JSON(toItem(cs))
}

/* ============================= Close / End ============================== */

// @Summary      Close a case
// @Description  Lawyer marks the engagement finished
// @Tags         cases
// @Security     BearerAuth
// @Produce      json
// @Param        id  path  string  true  "Case ID"
// @Success      200  {object}  CaseItem
// @Failure      409  {object}  models.ErrorResponse
// @Router       /cases/{id}/close [post]
func (h *Handler) Close(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	uid, _ := uuid.Parse(auth.MustUserID(c))
	if uid != cs.LawyerID {
		return fiber.ErrForbidden
	}

	cs, _, err = h.eng.Close(c.Context(), cs.ID, uid)
	if err != nil {
		return err
	}
	return c.JSON(toItem(cs))
}

type TerminateRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// @Summary      Terminate a case
// @Description  Client ends the engagement with a reason category
// @Tags         cases
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path  string            true  "Case ID"
// @Param        payload  body  TerminateRequest  true  "Reason category plus optional detail"
// @Success      200  {object}  CaseItem
// @Failure      409  {object}  models.ErrorResponse
// @Router       /cases/{id}/terminate [post]
func (h *Handler) Terminate(c *fiber.Ctx) error {
	cs, err := h.loadForParty(c)
	if err != nil {
		return err
	}
	uid, _ := uuid.Parse(auth.MustUserID(c))
	if uid != cs.ClientID {
		return fiber.ErrForbidden
	}

	var in TerminateRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}

	cs, _, err = h.eng.Terminate(c.Context(), cs.ID, uid, strings.TrimSpace(in.Reason), strings.TrimSpace(in.Detail))
	if err != nil {
		return err
	}
	return c.JSON(toItem(cs))
}

// loadForParty fetches the case and checks the caller is one of its parties.
func (h *Handler) loadForParty(c *fiber.Ctx) (*models.Case, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid case id")
	}
	cs, err := h.eng.GetCase(c.Context(), id)
	if err != nil {
		return nil, err
	}
	uid := auth.MustUserID(c)
	if uid != cs.ClientID.String() && uid != cs.LawyerID.String() {
		return nil, fiber.ErrForbidden
	}
	return cs, nil
}
