package cases

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/lexhub/engagement-engine/internal/auth"
	"github.com/lexhub/engagement-engine/internal/engine"
	"github.com/lexhub/engagement-engine/internal/store/memstore"
	"github.com/lexhub/engagement-engine/pkg/models"
)

/* ============================================================================
   Helpers
   ============================================================================ */

func newTestEngine(t *testing.T) (*engine.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	eng := engine.New(store, engine.SystemClock(), nil, nil, nil, engine.Config{
		ApprovalWindow: 24 * time.Hour,
		PaymentWindow:  48 * time.Hour,
	})
	return eng, store
}

func injectAuth(userID uuid.UUID, role string) fiber.Handler {
	id := userID.String()
	return func(c *fiber.Ctx) error {
		c.Locals("userID", id)
		c.Locals("role", role)
		return c.Next()
	}
}

func newTestApp(h *Handler, userID uuid.UUID, role string) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: auth.ErrorHandler})
	app.Use(injectAuth(userID, role))

	app.Post("/api/cases", h.Open)
	app.Get("/api/cases/mine", h.ListMine)
	app.Get("/api/cases/assigned", h.ListAssigned)

	app.Post("/api/cases/:id/payment-requests", h.RequestPayment)
	app.Post("/api/cases/:id/messages", h.AddMessage)
	app.Patch("/api/cases/:id/progress", h.UpdateProgress)
	app.Post("/api/cases/:id/close", h.Close)
	app.Post("/api/cases/:id/terminate", h.Terminate)
	app.Get("/api/cases/:id", h.Get)

	return app
}

type seedResult struct {
	ClientID uuid.UUID
	LawyerID uuid.UUID
	CaseID   uuid.UUID
}

// seedCase opens one active case through the engine.
func seedCase(t *testing.T, eng *engine.Engine, totalFees int) seedResult {
	t.Helper()
	clientID := uuid.New()
	lawyerID := uuid.New()
	cs, _, err := eng.OpenCase(context.Background(), engine.OpenCaseParams{
		ClientID:  clientID,
		LawyerID:  lawyerID,
		Title:     "Shareholder dispute",
		CaseType:  "commercial",
		TotalFees: totalFees,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return seedResult{ClientID: clientID, LawyerID: lawyerID, CaseID: cs.ID}
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

/* ============================================================================
   Tests — opening, detail, timeline
   ============================================================================ */

// Open returns 201 and the detail view carries the opening timeline entry.
func Test_Open_ThenDetail_ShowsTimeline(t *testing.T) {
	eng, store := newTestEngine(t)
	lawyerID := uuid.New()
	clientID := uuid.New()
	app := newTestApp(NewHandler(eng, store), lawyerID, "lawyer")

	body := `{
		"client_id": "` + clientID.String() + `",
		"title": "Trademark opposition",
		"case_type": "ip",
		"total_fees_cents": 500000
	}`
	code, raw := doJSON(t, app, "POST", "/api/cases", body)
	if code != 201 {
		t.Fatalf("status %d: %s", code, raw)
	}
	var opened CaseItem
	_ = json.Unmarshal(raw, &opened)
	if opened.Status != models.CaseActive || opened.LawyerID != lawyerID {
		t.Fatalf("opened = %s lawyer %s", opened.Status, opened.LawyerID)
	}

	if _, _, err := eng.AppendMessage(context.Background(), opened.ID, clientID, "Initial filing attached"); err != nil {
		t.Fatalf("message: %v", err)
	}

	code, raw = doJSON(t, app, "GET", "/api/cases/"+opened.ID.String(), "")
	if code != 200 {
		t.Fatalf("detail status %d", code)
	}
	var detail CaseDetail
	_ = json.Unmarshal(raw, &detail)
	if len(detail.Timeline) != 1 || detail.Timeline[0].Action != "opened" {
		t.Fatalf("timeline = %+v", detail.Timeline)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Body != "Initial filing attached" {
		t.Fatalf("messages = %+v", detail.Messages)
	}
}

// A stranger gets 403 on the detail view.
func Test_Detail_ForbiddenForStranger(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedCase(t, eng, 100000)
	app := newTestApp(NewHandler(eng, store), uuid.New(), "lawyer")

	code, _ := doJSON(t, app, "GET", "/api/cases/"+seed.CaseID.String(), "")
	if code != 403 {
		t.Fatalf("status %d", code)
	}
}

/* ============================================================================
   Tests — billing and exits over HTTP
   ============================================================================ */

// RequestPayment is the lawyer's move and echoes the deadline back in millis.
func Test_RequestPayment_LawyerOnly(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedCase(t, eng, 100000)
	deadline := time.Now().Add(72 * time.Hour).UnixMilli()
	body := `{"amount_cents": 40000, "deadline_ms": ` + strconv.FormatInt(deadline, 10) + `}`

	clientApp := newTestApp(NewHandler(eng, store), seed.ClientID, "client")
	code, _ := doJSON(t, clientApp, "POST", "/api/cases/"+seed.CaseID.String()+"/payment-requests", body)
	if code != 403 {
		t.Fatalf("client request status %d", code)
	}

	lawyerApp := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")
	code, raw := doJSON(t, lawyerApp, "POST", "/api/cases/"+seed.CaseID.String()+"/payment-requests", body)
	if code != 201 {
		t.Fatalf("lawyer request status %d: %s", code, raw)
	}
	var got CaseItem
	_ = json.Unmarshal(raw, &got)
	if got.Status != models.CasePaymentPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.NextPaymentDeadlineMS == nil || *got.NextPaymentDeadlineMS != deadline {
		t.Fatalf("deadline = %v, want %d", got.NextPaymentDeadlineMS, deadline)
	}
}

// Termination belongs to the client and needs a reason.
func Test_Terminate_ClientOnlyWithReason(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedCase(t, eng, 100000)

	lawyerApp := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")
	code, _ := doJSON(t, lawyerApp, "POST", "/api/cases/"+seed.CaseID.String()+"/terminate", `{"reason":"x"}`)
	if code != 403 {
		t.Fatalf("lawyer terminate status %d", code)
	}

	clientApp := newTestApp(NewHandler(eng, store), seed.ClientID, "client")
	code, raw := doJSON(t, clientApp, "POST", "/api/cases/"+seed.CaseID.String()+"/terminate", `{"reason":"   "}`)
	if code != 400 {
		t.Fatalf("blank reason status %d: %s", code, raw)
	}

	code, raw = doJSON(t, clientApp, "POST", "/api/cases/"+seed.CaseID.String()+"/terminate", `{"reason":"lost_confidence","detail":"No updates in a month"}`)
	if code != 200 {
		t.Fatalf("terminate status %d: %s", code, raw)
	}
	var got CaseItem
	_ = json.Unmarshal(raw, &got)
	if got.Status != models.CaseTerminated || got.TerminationReason != "lost_confidence" {
		t.Fatalf("terminated = %s %q", got.Status, got.TerminationReason)
	}

	// A closed case answers with a conflict from then on.
	code, _ = doJSON(t, clientApp, "POST", "/api/cases/"+seed.CaseID.String()+"/terminate", `{"reason":"again"}`)
	if code != 409 {
		t.Fatalf("second terminate status %d", code)
	}
}

// Progress updates reject regressions at the HTTP boundary too.
func Test_Progress_RejectsRegression(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedCase(t, eng, 100000)
	app := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")

	code, _ := doJSON(t, app, "PATCH", "/api/cases/"+seed.CaseID.String()+"/progress", `{"progress": 55}`)
	if code != 200 {
		t.Fatalf("progress status %d", code)
	}
	code, raw := doJSON(t, app, "PATCH", "/api/cases/"+seed.CaseID.String()+"/progress", `{"progress": 25}`)
	if code != 400 {
		t.Fatalf("regression status %d: %s", code, raw)
	}
	var body models.ValidationErrorResponse
	_ = json.Unmarshal(raw, &body)
	if len(body.Errors["progress"]) == 0 {
		t.Fatalf("errors = %v", body.Errors)
	}
}

