package appointments

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
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

// newTestEngine wires an engine over the in-memory store, so handler tests
// need no database.
func newTestEngine(t *testing.T) (*engine.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	eng := engine.New(store, engine.SystemClock(), nil, nil, nil, engine.Config{
		ApprovalWindow: 24 * time.Hour,
		PaymentWindow:  48 * time.Hour,
	})
	return eng, store
}

// injectAuth puts auth locals into Fiber context so MustUserID / MustRole
// work without a real JWT.
func injectAuth(userID uuid.UUID, role string) fiber.Handler {
	id := userID.String()
	return func(c *fiber.Ctx) error {
		c.Locals("userID", id)
		c.Locals("role", role)
		return c.Next()
	}
}

// newTestApp registers routes in a safe order for tests. Static paths (like
// /mine) are added BEFORE parameterized ones (/:id) so they don't get
// shadowed by :id.
func newTestApp(h *Handler, userID uuid.UUID, role string) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: auth.ErrorHandler})
	app.Use(injectAuth(userID, role))

	app.Post("/api/appointments", h.Book)
	app.Get("/api/appointments/mine", h.ListMine)
	app.Get("/api/appointments/incoming", h.ListIncoming)

	app.Post("/api/appointments/:id/approve", h.Approve)
	app.Post("/api/appointments/:id/cancel", h.Cancel)
	app.Get("/api/appointments/:id", h.Get)

	return app
}

type seedResult struct {
	ClientID uuid.UUID
	LawyerID uuid.UUID
	ApptID   uuid.UUID
}

// seedAppointment books one pending appointment through the engine with a
// deliberately PII-laden description.
func seedAppointment(t *testing.T, eng *engine.Engine) seedResult {
	t.Helper()
	clientID := uuid.New()
	lawyerID := uuid.New()
	a, _, err := eng.Book(context.Background(), engine.BookParams{
		ClientID:         clientID,
		LawyerID:         lawyerID,
		ConsultationType: "video",
		CaseType:         "employment",
		Description:      "I was dismissed unfairly, reach me at jane@example.com or 08123456789",
		SelectedDate:     time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		SelectedTime:     "14:30",
		ConsultationFee:  15000,
	})
	if err != nil {
		t.Fatalf("seed book: %v", err)
	}
	return seedResult{ClientID: clientID, LawyerID: lawyerID, ApptID: a.ID}
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
   Tests — booking, validation shape
   ============================================================================ */

// A valid booking returns 201 with the approval deadline in epoch millis.
func Test_Book_ReturnsCreatedWithDeadline(t *testing.T) {
	eng, store := newTestEngine(t)
	clientID := uuid.New()
	app := newTestApp(NewHandler(eng, store), clientID, "client")

	body := `{
		"lawyer_id": "` + uuid.NewString() + `",
		"consultation_type": "video",
		"case_type": "employment",
		"description": "Dispute over unpaid overtime across two years",
		"selected_date": "` + time.Now().AddDate(0, 0, 7).Format("2006-01-02") + `",
		"selected_time": "10:00",
		"consultation_fee_cents": 20000
	}`
	code, raw := doJSON(t, app, "POST", "/api/appointments", body)
	if code != 201 {
		t.Fatalf("status %d: %s", code, raw)
	}

	var got AppointmentItem
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != models.AppointmentPendingApproval {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ApprovalDeadlineMS == 0 || got.PaymentDeadlineMS != nil {
		t.Fatalf("deadlines = %d / %v", got.ApprovalDeadlineMS, got.PaymentDeadlineMS)
	}
	if got.ClientID.String() != clientID.String() {
		t.Fatalf("client = %s", got.ClientID)
	}
}

// Field errors come back as 400 with the per-field message map.
func Test_Book_ValidationErrorShape(t *testing.T) {
	eng, store := newTestEngine(t)
	app := newTestApp(NewHandler(eng, store), uuid.New(), "client")

	body := `{
		"lawyer_id": "` + uuid.NewString() + `",
		"consultation_type": "video",
		"case_type": "employment",
		"description": "too short",
		"selected_date": "2030-01-15",
		"selected_time": "25:99",
		"consultation_fee_cents": 20000
	}`
	code, raw := doJSON(t, app, "POST", "/api/appointments", body)
	if code != 400 {
		t.Fatalf("status %d: %s", code, raw)
	}

	var got models.ValidationErrorResponse
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Message != "Validation failed" {
		t.Fatalf("message = %q", got.Message)
	}
	if len(got.Errors["description"]) == 0 || len(got.Errors["selected_time"]) == 0 {
		t.Fatalf("errors = %v", got.Errors)
	}
}

/* ============================================================================
   Tests — redaction, permissions, pagination
   ============================================================================ */

// The lawyer sees only a sanitised preview while the booking awaits their
// approval.
func Test_Lawyer_SeesRedactedDescription_WhilePending(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedAppointment(t, eng)
	app := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")

	code, raw := doJSON(t, app, "GET", "/api/appointments/incoming", "")
	if code != 200 {
		t.Fatalf("status %d: %s", code, raw)
	}
	var body struct {
		Items []AppointmentItem `json:"items"`
	}
	_ = json.Unmarshal(raw, &body)
	if len(body.Items) != 1 {
		t.Fatalf("want 1 item, got %d", len(body.Items))
	}
	desc := body.Items[0].Description
	if strings.Contains(desc, "@") || strings.Contains(desc, "0812") {
		t.Fatalf("description not redacted: %q", desc)
	}
}

// After approval the lawyer sees the original description.
func Test_Lawyer_SeesOriginalDescription_AfterApproval(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedAppointment(t, eng)
	app := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")

	code, raw := doJSON(t, app, "POST", "/api/appointments/"+seed.ApptID.String()+"/approve", "")
	if code != 200 {
		t.Fatalf("approve status %d: %s", code, raw)
	}
	var approved AppointmentItem
	_ = json.Unmarshal(raw, &approved)
	if approved.Status != models.AppointmentAwaitingPayment || approved.PaymentDeadlineMS == nil {
		t.Fatalf("approved = %s, deadline %v", approved.Status, approved.PaymentDeadlineMS)
	}

	code, raw = doJSON(t, app, "GET", "/api/appointments/"+seed.ApptID.String(), "")
	if code != 200 {
		t.Fatalf("get status %d", code)
	}
	var got AppointmentItem
	_ = json.Unmarshal(raw, &got)
	if !strings.Contains(got.Description, "jane@example.com") {
		t.Fatalf("description still redacted: %q", got.Description)
	}
}

// A user who is neither party gets 403.
func Test_Get_ForbiddenForStranger(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedAppointment(t, eng)
	app := newTestApp(NewHandler(eng, store), uuid.New(), "client")

	code, _ := doJSON(t, app, "GET", "/api/appointments/"+seed.ApptID.String(), "")
	if code != 403 {
		t.Fatalf("status %d", code)
	}
}

// /mine pages newest-first with the standard envelope.
func Test_ListMine_Paginates(t *testing.T) {
	eng, store := newTestEngine(t)
	clientID := uuid.New()
	for i := 0; i < 3; i++ {
		if _, _, err := eng.Book(context.Background(), engine.BookParams{
			ClientID:         clientID,
			LawyerID:         uuid.New(),
			ConsultationType: "phone",
			CaseType:         "family",
			Description:      "Need advice on a custody arrangement dispute",
			SelectedDate:     time.Now().AddDate(0, 0, 3).Format("2006-01-02"),
			SelectedTime:     "09:00",
			ConsultationFee:  10000,
		}); err != nil {
			t.Fatalf("book %d: %v", i, err)
		}
	}
	app := newTestApp(NewHandler(eng, store), clientID, "client")

	code, raw := doJSON(t, app, "GET", "/api/appointments/mine?page=1&pageSize=2", "")
	if code != 200 {
		t.Fatalf("status %d", code)
	}
	var body struct {
		Total int               `json:"total"`
		Pages int               `json:"pages"`
		Items []AppointmentItem `json:"items"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Total != 3 || body.Pages != 2 || len(body.Items) != 2 {
		t.Fatalf("total %d pages %d items %d", body.Total, body.Pages, len(body.Items))
	}
}

// Cancellation belongs to the client; the lawyer gets 403.
func Test_Cancel_ClientOnly(t *testing.T) {
	eng, store := newTestEngine(t)
	seed := seedAppointment(t, eng)

	lawyerApp := newTestApp(NewHandler(eng, store), seed.LawyerID, "lawyer")
	code, _ := doJSON(t, lawyerApp, "POST", "/api/appointments/"+seed.ApptID.String()+"/cancel", `{"reason":"x"}`)
	if code != 403 {
		t.Fatalf("lawyer cancel status %d", code)
	}

	clientApp := newTestApp(NewHandler(eng, store), seed.ClientID, "client")
	code, raw := doJSON(t, clientApp, "POST", "/api/appointments/"+seed.ApptID.String()+"/cancel", `{"reason":"found local counsel"}`)
	if code != 200 {
		t.Fatalf("client cancel status %d: %s", code, raw)
	}
	var got AppointmentItem
	_ = json.Unmarshal(raw, &got)
	if got.Status != models.AppointmentCancelled || got.CancelReason != "found local counsel" {
		t.Fatalf("cancelled = %s %q", got.Status, got.CancelReason)
	}
}
