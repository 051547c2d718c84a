package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/retry"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
	"github.com/Raymond9734/campaign-scheduler/internal/testutil"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// recordingPublisher keeps published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.TransportEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event *models.TransportEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type stubChecker struct{ err error }

func (s stubChecker) Health(context.Context) error { return s.err }

type testServer struct {
	handler   http.Handler
	publisher *recordingPublisher
	cursors   repository.CursorRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database := testutil.NewDB(t)
	logger := testutil.Logger()
	clk := clock.NewManual(t0)

	campaignRepo := repository.NewCampaignRepository(database)
	customerRepo := repository.NewCustomerRepository(database)
	cursorRepo := repository.NewCursorRepository(database)
	attemptRepo := repository.NewAttemptRepository(database)

	campaigns := service.NewCampaignService(campaignRepo, customerRepo, cursorRepo, attemptRepo,
		service.NewTemplateService(), clk, logger)
	customers := service.NewCustomerService(customerRepo, logger)
	events := service.NewEventService(cursorRepo, customerRepo, campaignRepo, retry.Schedule{}, clk, logger)
	publisher := &recordingPublisher{}

	return &testServer{
		handler: NewRouter(Handlers{
			Campaigns: NewCampaignHandler(campaigns, logger),
			Customers: NewCustomerHandler(customers, logger),
			Webhooks:  NewWebhookHandler(publisher, events, logger),
			Health:    NewHealthHandler(map[string]HealthChecker{"database": database, "queue": nil}, logger),
		}, logger),
		publisher: publisher,
		cursors:   cursorRepo,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) seedCustomers(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		rec := s.do(t, http.MethodPost, "/customers", map[string]any{
			"phone":      fmt.Sprintf("+2547000000%02d", i),
			"first_name": fmt.Sprintf("Customer%d", i),
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create customer: %d %s", rec.Code, rec.Body.String())
		}
	}
}

func campaignBody() map[string]any {
	return map[string]any{
		"name":          "June launch",
		"channel":       "sms",
		"message":       "Hi {first_name}",
		"throttle_rate": 2,
		"throttle_unit": "minute",
		"follow_ups": []map[string]any{
			{"delay_days": 1, "message": "Still interested?", "condition": "no_reply"},
		},
	}
}

func TestCampaignRoutes_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	s.seedCustomers(t, 3)

	rec := s.do(t, http.MethodPost, "/campaigns", campaignBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	campaign := decode[models.Campaign](t, rec)
	if campaign.Status != models.CampaignStatusDraft {
		t.Errorf("Status = %s, want draft", campaign.Status)
	}
	base := fmt.Sprintf("/campaigns/%d", campaign.ID)

	rec = s.do(t, http.MethodPost, base+"/launch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("launch: %d %s", rec.Code, rec.Body.String())
	}
	launch := decode[service.LaunchResult](t, rec)
	if !launch.Launched || launch.Recipients != 3 || launch.Status != models.CampaignStatusActive {
		t.Errorf("launch = %+v", launch)
	}

	steps := []struct {
		path       string
		wantStatus int
		wantState  string
	}{
		{path: "/pause", wantStatus: http.StatusOK, wantState: models.CampaignStatusPaused},
		{path: "/pause", wantStatus: http.StatusOK, wantState: models.CampaignStatusPaused},
		{path: "/resume", wantStatus: http.StatusOK, wantState: models.CampaignStatusActive},
		{path: "/cancel", wantStatus: http.StatusOK, wantState: models.CampaignStatusCompleted},
	}
	for _, step := range steps {
		rec := s.do(t, http.MethodPost, base+step.path, nil)
		if rec.Code != step.wantStatus {
			t.Fatalf("%s: %d %s", step.path, rec.Code, rec.Body.String())
		}
		if got := decode[models.Campaign](t, rec); got.Status != step.wantState {
			t.Errorf("%s: Status = %s, want %s", step.path, got.Status, step.wantState)
		}
	}

	rec = s.do(t, http.MethodPost, base+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause completed campaign: %d, want 409", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Error.Code != models.CodeInvalidTransition {
		t.Errorf("error code = %s, want INVALID_TRANSITION", got.Error.Code)
	}

	rec = s.do(t, http.MethodGet, base+"/recipients?status=cancelled", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recipients: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[service.CursorListResult](t, rec); len(got.Data) != 3 || got.Pagination.TotalCount != 3 {
		t.Errorf("recipients = %d (total %d), want 3", len(got.Data), got.Pagination.TotalCount)
	}

	rec = s.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.CampaignWithStats](t, rec); got.Stats.Cancelled != 3 {
		t.Errorf("Stats = %+v, want 3 cancelled", got.Stats)
	}

	rec = s.do(t, http.MethodGet, base+"/attempts", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("attempts: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCampaignRoutes_Errors(t *testing.T) {
	s := newTestServer(t)

	invalidRate := campaignBody()
	invalidRate["throttle_rate"] = 0
	badWindow := campaignBody()
	badWindow["quiet_hours"] = map[string]string{"start": "22:00", "end": "22:00"}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "malformed json", method: http.MethodPost, path: "/campaigns", body: "{", wantStatus: http.StatusBadRequest, wantCode: "INVALID_JSON"},
		{name: "zero throttle rate", method: http.MethodPost, path: "/campaigns", body: invalidRate, wantStatus: http.StatusBadRequest, wantCode: models.CodeInvalidThrottleRate},
		{name: "empty quiet window", method: http.MethodPost, path: "/campaigns", body: badWindow, wantStatus: http.StatusBadRequest, wantCode: models.CodeInvalidQuietHoursWindow},
		{name: "bad id", method: http.MethodGet, path: "/campaigns/abc", wantStatus: http.StatusBadRequest, wantCode: "INVALID_ID"},
		{name: "unknown campaign", method: http.MethodGet, path: "/campaigns/42", wantStatus: http.StatusNotFound, wantCode: models.CodeNotFound},
		{name: "launch unknown campaign", method: http.MethodPost, path: "/campaigns/42/launch", wantStatus: http.StatusNotFound, wantCode: models.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decode[ErrorResponse](t, rec); got.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestCampaignRoutes_LaunchEmptyAudience(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/campaigns", campaignBody())
	campaign := decode[models.Campaign](t, rec)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/launch", campaign.ID), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%s)", rec.Code, rec.Body.String())
	}
	if got := decode[ErrorResponse](t, rec); got.Error.Code != models.CodeEmptyAudience {
		t.Errorf("code = %s, want EMPTY_AUDIENCE", got.Error.Code)
	}
}

func TestCampaignRoutes_Preview(t *testing.T) {
	s := newTestServer(t)
	s.seedCustomers(t, 1)

	rec := s.do(t, http.MethodPost, "/campaigns", campaignBody())
	campaign := decode[models.Campaign](t, rec)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/personalized-preview", campaign.ID),
		map[string]any{"customer_id": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[service.PreviewResult](t, rec); got.RenderedMessage != "Hi Customer1" {
		t.Errorf("RenderedMessage = %q, want %q", got.RenderedMessage, "Hi Customer1")
	}
}

func TestWebhookRoutes(t *testing.T) {
	step := models.PrimaryStep

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantKind   string
	}{
		{
			name:       "delivery receipt",
			path:       "/webhooks/delivery",
			body:       DeliveryRequest{Status: models.EventDelivered, CampaignID: 1, RecipientID: 2, StepIndex: &step},
			wantStatus: http.StatusAccepted,
			wantKind:   models.EventDelivered,
		},
		{
			name:       "async failure",
			path:       "/webhooks/delivery",
			body:       DeliveryRequest{Status: models.EventFailed, CampaignID: 1, RecipientID: 2, StepIndex: &step, Error: "unreachable"},
			wantStatus: http.StatusAccepted,
			wantKind:   models.EventFailed,
		},
		{
			name:       "missing step",
			path:       "/webhooks/delivery",
			body:       DeliveryRequest{Status: models.EventDelivered, CampaignID: 1, RecipientID: 2},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown status",
			path:       "/webhooks/delivery",
			body:       DeliveryRequest{Status: models.EventReply, CampaignID: 1, RecipientID: 2, StepIndex: &step},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "reply",
			path:       "/webhooks/reply",
			body:       ReplyRequest{CampaignID: 1, RecipientID: 2, Body: "yes"},
			wantStatus: http.StatusAccepted,
			wantKind:   models.EventReply,
		},
		{
			name:       "opt-out reply needs no campaign",
			path:       "/webhooks/reply",
			body:       ReplyRequest{RecipientID: 2, Body: "STOP"},
			wantStatus: http.StatusAccepted,
			wantKind:   models.EventReply,
		},
		{
			name:       "reply without recipient",
			path:       "/webhooks/reply",
			body:       ReplyRequest{CampaignID: 1, Body: "yes"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantKind == "" {
				if len(s.publisher.events) != 0 {
					t.Errorf("published %d events, want 0", len(s.publisher.events))
				}
				return
			}
			if len(s.publisher.events) != 1 || s.publisher.events[0].Kind != tt.wantKind {
				t.Errorf("published = %+v, want one %s event", s.publisher.events, tt.wantKind)
			}
		})
	}
}

func TestWebhookRoutes_PublishFailure(t *testing.T) {
	s := newTestServer(t)
	s.publisher.err = errors.New("queue unavailable")

	rec := s.do(t, http.MethodPost, "/webhooks/reply", ReplyRequest{CampaignID: 1, RecipientID: 2, Body: "yes"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "queue unavailable") {
		t.Error("internal error details leaked to the client")
	}
}

func TestOptOutRoute(t *testing.T) {
	s := newTestServer(t)
	s.seedCustomers(t, 2)

	rec := s.do(t, http.MethodPost, "/campaigns", campaignBody())
	campaign := decode[models.Campaign](t, rec)
	s.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/launch", campaign.ID), nil)

	rec = s.do(t, http.MethodPost, "/recipients/1/opt-out", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("opt-out: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[service.OptOutResult](t, rec); got.CursorsUpdated != 1 {
		t.Errorf("CursorsUpdated = %d, want 1", got.CursorsUpdated)
	}

	cursor, err := s.cursors.Get(context.Background(), campaign.ID, 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cursor.Status != models.CursorStatusOptedOut {
		t.Errorf("cursor status = %s, want opted_out", cursor.Status)
	}

	if rec := s.do(t, http.MethodPost, "/recipients/99/opt-out", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown recipient: %d, want 404", rec.Code)
	}
}

func TestCustomerRoutes(t *testing.T) {
	s := newTestServer(t)
	s.seedCustomers(t, 2)

	rec := s.do(t, http.MethodPost, "/customers", map[string]any{"phone": "+254700000001"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate phone: %d, want 409", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/customers/2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Customer](t, rec); got.FirstName != "Customer2" {
		t.Errorf("FirstName = %s, want Customer2", got.FirstName)
	}

	rec = s.do(t, http.MethodGet, "/customers?page_size=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[customerListResponse](t, rec); len(got.Data) != 1 || got.Pagination.TotalCount != 2 {
		t.Errorf("list = %d (total %d), want 1 of 2", len(got.Data), got.Pagination.TotalCount)
	}

	rec = s.do(t, http.MethodPut, "/customers/2", map[string]any{"phone": "+254700000002", "email": "not-an-address"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("update with bad email: %d, want 400", rec.Code)
	}
	rec = s.do(t, http.MethodPut, "/customers/2", map[string]any{
		"phone":      "+254700000002",
		"first_name": "Brian",
		"tags":       []string{" VIP ", "vip"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Customer](t, rec); got.FirstName != "Brian" || len(got.Tags) != 1 || got.Tags[0] != "vip" {
		t.Errorf("updated = %s %v, want Brian [vip]", got.FirstName, got.Tags)
	}
	if rec := s.do(t, http.MethodPut, "/customers/99", map[string]any{"phone": "+254700000099"}); rec.Code != http.StatusNotFound {
		t.Errorf("update unknown: %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantStatus int
		wantQueue  string
	}{
		{
			name:       "healthy",
			checks:     map[string]HealthChecker{"database": stubChecker{}, "queue": stubChecker{}},
			wantStatus: http.StatusOK,
			wantQueue:  "healthy",
		},
		{
			name:       "queue down",
			checks:     map[string]HealthChecker{"database": stubChecker{}, "queue": stubChecker{err: errors.New("dial tcp")}},
			wantStatus: http.StatusServiceUnavailable,
			wantQueue:  "unhealthy",
		},
		{
			name:       "queue not configured",
			checks:     map[string]HealthChecker{"database": stubChecker{}, "queue": nil},
			wantStatus: http.StatusOK,
			wantQueue:  "not_configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks, testutil.Logger())
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decode[HealthResponse](t, rec); got.Services["queue"] != tt.wantQueue {
				t.Errorf("queue = %s, want %s", got.Services["queue"], tt.wantQueue)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	logger := testutil.Logger()
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := RecoveryMiddleware(logger)(LoggingMiddleware(logger)(CORSMiddleware(panicking)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d, want 500", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/campaigns", nil)
	req.Header.Set(requestIDHeader, "req-1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get(requestIDHeader); got != "req-1" {
		t.Errorf("request id = %q, want req-1", got)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{code: models.CodeInvalidInput, want: http.StatusBadRequest},
		{code: models.CodeInvalidThrottleRate, want: http.StatusBadRequest},
		{code: models.CodeInvalidQuietHoursWindow, want: http.StatusBadRequest},
		{code: models.CodeNotFound, want: http.StatusNotFound},
		{code: models.CodeConflict, want: http.StatusConflict},
		{code: models.CodeInvalidTransition, want: http.StatusConflict},
		{code: models.CodeEmptyAudience, want: http.StatusUnprocessableEntity},
		{code: "SOMETHING_ELSE", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := mapErrorCodeToHTTPStatus(tt.code); got != tt.want {
			t.Errorf("mapErrorCodeToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
