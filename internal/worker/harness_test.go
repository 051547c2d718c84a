package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
	"github.com/Raymond9734/campaign-scheduler/internal/testutil"
	"github.com/Raymond9734/campaign-scheduler/internal/throttle"
	"github.com/Raymond9734/campaign-scheduler/internal/transport"
)

// t0 is a Monday morning in UTC
var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	msg transport.Message
	at  time.Time
}

// fakeTransport records accepted sends. fail, when set, is asked about every
// call with the number of calls made so far for the same recipient and step.
type fakeTransport struct {
	mu    sync.Mutex
	clock clock.Clock
	sends []sentMessage
	calls map[string]int
	fail  func(msg transport.Message, call int) error
}

func newFakeTransport(clk clock.Clock) *fakeTransport {
	return &fakeTransport{clock: clk, calls: make(map[string]int)}
}

func (f *fakeTransport) Send(_ context.Context, msg transport.Message) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%d/%d/%d", msg.CampaignID, msg.RecipientID, msg.StepIndex)
	f.calls[key]++
	if f.fail != nil {
		if err := f.fail(msg, f.calls[key]); err != nil {
			return transport.Receipt{}, err
		}
	}
	f.sends = append(f.sends, sentMessage{msg: msg, at: f.clock.Now()})
	return transport.Receipt{MessageID: fmt.Sprintf("msg-%d", len(f.sends))}, nil
}

func (f *fakeTransport) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) sentTo(recipientID int64) []sentMessage {
	var out []sentMessage
	for _, s := range f.sent() {
		if s.msg.RecipientID == recipientID {
			out = append(out, s)
		}
	}
	return out
}

// recordingLog keeps attempts in memory
type recordingLog struct {
	mu       sync.Mutex
	attempts []*models.DispatchAttempt
}

func (r *recordingLog) Append(attempt *models.DispatchAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
}

func (r *recordingLog) find(outcome, reason string) []*models.DispatchAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DispatchAttempt
	for _, a := range r.attempts {
		if a.Outcome == outcome && (reason == "" || a.Reason == reason) {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	clock        *clock.Manual
	campaigns    service.CampaignService
	campaignRepo repository.CampaignRepository
	cursors      repository.CursorRepository
	customers    repository.CustomerRepository
	transport    *fakeTransport
	log          *recordingLog
	gate         *throttle.MemoryGate
	orchestrator *Orchestrator
	dispatcher   *Dispatcher
	runner       *Runner
}

// newHarness wires the worker against a fresh database holding the given
// number of customers, with ids 1..recipients
func newHarness(t *testing.T, recipients int) *harness {
	t.Helper()
	database := testutil.NewDB(t)
	logger := testutil.Logger()
	clk := clock.NewManual(t0)

	h := &harness{
		clock:        clk,
		campaignRepo: repository.NewCampaignRepository(database),
		cursors:      repository.NewCursorRepository(database),
		customers:    repository.NewCustomerRepository(database),
		transport:    newFakeTransport(clk),
		log:          &recordingLog{},
		gate:         throttle.NewMemoryGate(),
	}
	templates := service.NewTemplateService()
	h.campaigns = service.NewCampaignService(h.campaignRepo, h.customers,
		h.cursors, repository.NewAttemptRepository(database), templates, clk, logger)

	h.orchestrator = NewOrchestrator(h.campaignRepo, h.cursors, h.log, clk, 0, logger)
	h.dispatcher = h.newDispatcher(templates)
	lifecycle := NewLifecycle(h.campaignRepo, h.cursors, h.gate, clk, logger)
	h.runner = NewRunner(h.dispatcher, h.orchestrator, lifecycle, RunnerConfig{Partitions: 1}, logger)

	for i := 1; i <= recipients; i++ {
		customer := &models.Customer{
			Phone:            fmt.Sprintf("+2547000000%02d", i),
			FirstName:        fmt.Sprintf("Customer%d", i),
			PreferredProduct: "Coffee",
		}
		if err := h.customers.Create(context.Background(), customer); err != nil {
			t.Fatalf("seed customer: %v", err)
		}
	}
	return h
}

func (h *harness) newDispatcher(templates service.TemplateService) *Dispatcher {
	return NewDispatcher(h.campaignRepo, h.cursors, h.customers, templates, h.gate,
		h.transport, h.log, h.orchestrator, h.clock, DispatcherConfig{}, testutil.Logger())
}

// launch creates and launches a campaign and returns its id
func (h *harness) launch(t *testing.T, req *service.CreateCampaignRequest) int64 {
	t.Helper()
	ctx := context.Background()
	campaign, err := h.campaigns.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := h.campaigns.Launch(ctx, campaign.ID); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	return campaign.ID
}

// runAt moves the clock to at and runs one full worker pass
func (h *harness) runAt(at time.Time) {
	h.clock.Set(at)
	h.runner.RunOnce(context.Background())
}

func (h *harness) cursor(t *testing.T, campaignID, recipientID int64) *models.RecipientCursor {
	t.Helper()
	cursor, err := h.cursors.Get(context.Background(), campaignID, recipientID)
	if err != nil {
		t.Fatalf("Get(%d, %d) error = %v", campaignID, recipientID, err)
	}
	return cursor
}

func (h *harness) campaignStatus(t *testing.T, campaignID int64) string {
	t.Helper()
	campaign, err := h.campaignRepo.GetByID(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("GetByID(%d) error = %v", campaignID, err)
	}
	return campaign.Status
}

func request(message string, rate int, followUps ...service.FollowUpRequest) *service.CreateCampaignRequest {
	return &service.CreateCampaignRequest{
		Name:         "Worker test",
		Channel:      models.ChannelSMS,
		Message:      message,
		ThrottleRate: &rate,
		ThrottleUnit: models.ThrottleUnitMinute,
		FollowUps:    followUps,
	}
}
