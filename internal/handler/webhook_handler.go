package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
)

// EventPublisher hands validated transport events to whoever applies them.
// queue.Client implements it.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.TransportEvent) error
}

// directPublisher applies events in the request instead of queueing them
type directPublisher struct {
	events service.EventService
}

// ApplyDirectly returns a publisher that applies each event synchronously
func ApplyDirectly(events service.EventService) EventPublisher {
	return directPublisher{events: events}
}

func (p directPublisher) Publish(ctx context.Context, event *models.TransportEvent) error {
	return p.events.Apply(ctx, event)
}

// WebhookHandler receives transport callbacks and operator opt-outs
type WebhookHandler struct {
	publisher    EventPublisher
	eventService service.EventService
	logger       *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(publisher EventPublisher, eventService service.EventService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		publisher:    publisher,
		eventService: eventService,
		logger:       logger,
	}
}

// DeliveryRequest is a delivery receipt or asynchronous failure
type DeliveryRequest struct {
	Status      string     `json:"status"`
	CampaignID  int64      `json:"campaign_id"`
	RecipientID int64      `json:"recipient_id"`
	StepIndex   *int       `json:"step_index"`
	MessageID   string     `json:"message_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	Permanent   bool       `json:"permanent,omitempty"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

// ReplyRequest is an inbound reply from a recipient
type ReplyRequest struct {
	CampaignID  int64      `json:"campaign_id"`
	RecipientID int64      `json:"recipient_id"`
	Body        string     `json:"body"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
}

type acceptedResponse struct {
	Accepted bool   `json:"accepted"`
	Kind     string `json:"kind"`
}

// Delivery handles POST /webhooks/delivery
func (h *WebhookHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	var req DeliveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.StepIndex == nil {
		respondError(w, http.StatusBadRequest, models.CodeInvalidInput, "step_index is required")
		return
	}

	event := &models.TransportEvent{
		Kind:        req.Status,
		CampaignID:  req.CampaignID,
		RecipientID: req.RecipientID,
		StepIndex:   *req.StepIndex,
		MessageID:   req.MessageID,
		Error:       req.Error,
		Permanent:   req.Permanent,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	}
	if event.Kind != models.EventDelivered && event.Kind != models.EventFailed {
		respondError(w, http.StatusBadRequest, models.CodeInvalidInput, "status must be 'delivered' or 'failed'")
		return
	}

	h.publish(w, r, event)
}

// Reply handles POST /webhooks/reply
func (h *WebhookHandler) Reply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	event := &models.TransportEvent{
		Kind:        models.EventReply,
		CampaignID:  req.CampaignID,
		RecipientID: req.RecipientID,
		StepIndex:   models.PrimaryStep,
		Body:        req.Body,
	}
	if req.OccurredAt != nil {
		event.OccurredAt = *req.OccurredAt
	}

	h.publish(w, r, event)
}

func (h *WebhookHandler) publish(w http.ResponseWriter, r *http.Request, event *models.TransportEvent) {
	if err := service.ValidateEvent(event); err != nil {
		handleError(w, err, h.logger)
		return
	}

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondAccepted(w, acceptedResponse{Accepted: true, Kind: event.Kind})
}

// OptOut handles POST /recipients/{id}/opt-out
func (h *WebhookHandler) OptOut(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "recipient")
	if !ok {
		return
	}

	result, err := h.eventService.OptOut(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}
