package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaignService service.CampaignService
	logger          *slog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService service.CampaignService, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		logger:          logger,
	}
}

// CreateCampaign handles POST /campaigns
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	campaign, err := h.campaignService.Create(r.Context(), &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, campaign)
}

// ListCampaigns handles GET /campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.CampaignFilter{
		Channel:  query.Get("channel"),
		Status:   query.Get("status"),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}

	result, err := h.campaignService.List(r.Context(), filter)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// GetCampaign handles GET /campaigns/{id}
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	campaign, err := h.campaignService.GetByID(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, campaign)
}

// LaunchCampaign handles POST /campaigns/{id}/launch
func (h *CampaignHandler) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	result, err := h.campaignService.Launch(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// PauseCampaign handles POST /campaigns/{id}/pause
func (h *CampaignHandler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaignService.Pause)
}

// ResumeCampaign handles POST /campaigns/{id}/resume
func (h *CampaignHandler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaignService.Resume)
}

// CancelCampaign handles POST /campaigns/{id}/cancel
func (h *CampaignHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.campaignService.Cancel)
}

func (h *CampaignHandler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, id int64) (*models.Campaign, error),
) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	campaign, err := action(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, campaign)
}

// ListRecipients handles GET /campaigns/{id}/recipients
func (h *CampaignHandler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	result, err := h.campaignService.ListCursors(r.Context(), models.CursorFilter{
		CampaignID: id,
		Status:     r.URL.Query().Get("status"),
		Page:       queryInt(r, "page"),
		PageSize:   queryInt(r, "page_size"),
	})
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// ListAttempts handles GET /campaigns/{id}/attempts
func (h *CampaignHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	result, err := h.campaignService.ListAttempts(r.Context(), models.AttemptFilter{
		CampaignID:  id,
		RecipientID: int64(queryInt(r, "recipient_id")),
		Outcome:     r.URL.Query().Get("outcome"),
		Page:        queryInt(r, "page"),
		PageSize:    queryInt(r, "page_size"),
	})
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}

// PreviewPersonalized handles POST /campaigns/{id}/personalized-preview
func (h *CampaignHandler) PreviewPersonalized(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "campaign")
	if !ok {
		return
	}

	var req service.PreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.campaignService.PreviewPersonalized(r.Context(), id, &req)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, result)
}
