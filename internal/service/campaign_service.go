package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
)

// CampaignService handles campaign definitions and their lifecycle
type CampaignService interface {
	Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error)
	GetByID(ctx context.Context, id int64) (*models.CampaignWithStats, error)
	List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error)
	Launch(ctx context.Context, id int64) (*LaunchResult, error)
	Pause(ctx context.Context, id int64) (*models.Campaign, error)
	Resume(ctx context.Context, id int64) (*models.Campaign, error)
	Cancel(ctx context.Context, id int64) (*models.Campaign, error)
	ListCursors(ctx context.Context, filter models.CursorFilter) (*CursorListResult, error)
	ListAttempts(ctx context.Context, filter models.AttemptFilter) (*AttemptListResult, error)
	PreviewPersonalized(ctx context.Context, campaignID int64, req *PreviewRequest) (*PreviewResult, error)
}

type campaignService struct {
	campaignRepo repository.CampaignRepository
	customerRepo repository.CustomerRepository
	cursorRepo   repository.CursorRepository
	attemptRepo  repository.AttemptRepository
	templateSvc  TemplateService
	clock        clock.Clock
	logger       *slog.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	customerRepo repository.CustomerRepository,
	cursorRepo repository.CursorRepository,
	attemptRepo repository.AttemptRepository,
	templateSvc TemplateService,
	clk clock.Clock,
	logger *slog.Logger,
) CampaignService {
	return &campaignService{
		campaignRepo: campaignRepo,
		customerRepo: customerRepo,
		cursorRepo:   cursorRepo,
		attemptRepo:  attemptRepo,
		templateSvc:  templateSvc,
		clock:        clk,
		logger:       logger,
	}
}

// Create validates and stores a new draft campaign
func (s *campaignService) Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error) {
	// Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	campaign, err := req.ToCampaign()
	if err != nil {
		return nil, err
	}
	if err := campaign.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if campaign.ScheduledAt != nil && !campaign.ScheduledAt.After(now) {
		return nil, models.ErrInvalidInput("scheduled_at must be in the future")
	}

	// Validate template syntax of every message in the sequence
	if err := s.validateTemplates(campaign); err != nil {
		return nil, err
	}

	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	if err := s.campaignRepo.Create(ctx, campaign); err != nil {
		s.logger.Error("failed to create campaign",
			slog.String("error", err.Error()),
			slog.String("name", req.Name),
		)
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	s.logger.Info("campaign created",
		slog.Int64("campaign_id", campaign.ID),
		slog.String("name", campaign.Name),
		slog.String("channel", campaign.Channel),
		slog.Int("follow_ups", len(campaign.FollowUps)),
	)

	return campaign, nil
}

func (s *campaignService) validateTemplates(campaign *models.Campaign) error {
	if err := s.templateSvc.ValidateTemplate(campaign.Message); err != nil {
		return err
	}
	if campaign.Subject != "" {
		if err := s.templateSvc.ValidateTemplate(campaign.Subject); err != nil {
			return err
		}
	}
	for _, step := range campaign.FollowUps {
		if err := s.templateSvc.ValidateTemplate(step.Message); err != nil {
			return fmt.Errorf("follow-up %d: %w", step.Ordinal, err)
		}
		if step.Subject != "" {
			if err := s.templateSvc.ValidateTemplate(step.Subject); err != nil {
				return fmt.Errorf("follow-up %d: %w", step.Ordinal, err)
			}
		}
	}
	return nil
}

// GetByID retrieves a campaign with its cursor status distribution
func (s *campaignService) GetByID(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	campaign, err := s.campaignRepo.GetWithStats(ctx, id)
	if err != nil {
		return nil, err
	}

	return campaign, nil
}

// List pages through campaigns, newest first. An unknown channel or status
// filter is rejected rather than matching nothing.
func (s *campaignService) List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error) {
	if filter.Channel != "" && !models.IsValidChannel(filter.Channel) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid channel: %s", filter.Channel))
	}
	if filter.Status != "" && !models.IsValidCampaignStatus(filter.Status) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid campaign status: %s", filter.Status))
	}

	campaigns, totalCount, err := s.campaignRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)
	return &CampaignListResult{
		Data:       campaigns,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// Launch resolves the audience, freezes it as one cursor per recipient and moves
// the campaign out of draft. Launching an already launched campaign is a no-op.
func (s *campaignService) Launch(ctx context.Context, id int64) (*LaunchResult, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch campaign.Status {
	case models.CampaignStatusActive, models.CampaignStatusScheduled, models.CampaignStatusPaused:
		return launchResult(campaign, false), nil
	case models.CampaignStatusCompleted:
		return nil, models.ErrInvalidTransitionWithMsg("launch", campaign.Status)
	}

	customers, err := s.customerRepo.ResolveAudience(ctx, campaign.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	now := s.clock.Now()
	status := models.CampaignStatusActive
	dueAt := now
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(now) {
		status = models.CampaignStatusScheduled
		dueAt = *campaign.ScheduledAt
	}

	cursors := make([]*models.RecipientCursor, 0, len(customers))
	for _, customer := range customers {
		destination := customer.DestinationFor(campaign.Channel)
		if destination == "" {
			s.logger.Warn("recipient has no destination for channel, skipping",
				slog.Int64("campaign_id", campaign.ID),
				slog.Int64("recipient_id", customer.ID),
				slog.String("channel", campaign.Channel),
			)
			continue
		}
		cursors = append(cursors, &models.RecipientCursor{
			CampaignID:  campaign.ID,
			RecipientID: customer.ID,
			Destination: destination,
			StepIndex:   models.PrimaryStep,
			FinalStep:   len(campaign.FollowUps) - 1,
			Status:      models.CursorStatusPending,
			DueAt:       dueAt,
		})
	}

	if len(cursors) == 0 {
		return nil, models.ErrEmptyAudienceWithMsg(campaign.ID)
	}

	launched, err := s.campaignRepo.Launch(ctx, campaign.ID, status, now, cursors)
	if err != nil {
		s.logger.Error("failed to launch campaign",
			slog.Int64("campaign_id", campaign.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to launch campaign: %w", err)
	}
	if !launched {
		// Another launch won the race
		current, err := s.campaignRepo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return launchResult(current, false), nil
	}

	s.logger.Info("campaign launched",
		slog.Int64("campaign_id", campaign.ID),
		slog.String("status", status),
		slog.Int("recipients", len(cursors)),
	)

	return &LaunchResult{
		CampaignID: campaign.ID,
		Status:     status,
		Recipients: len(cursors),
		Launched:   true,
	}, nil
}

func launchResult(campaign *models.Campaign, launched bool) *LaunchResult {
	return &LaunchResult{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		Recipients: campaign.TotalRecipients,
		Launched:   launched,
	}
}

// Pause stops new sends for an active campaign
func (s *campaignService) Pause(ctx context.Context, id int64) (*models.Campaign, error) {
	return s.transition(ctx, id, "pause", models.CampaignStatusActive, models.CampaignStatusPaused)
}

// Resume lets a paused campaign send again
func (s *campaignService) Resume(ctx context.Context, id int64) (*models.Campaign, error) {
	return s.transition(ctx, id, "resume", models.CampaignStatusPaused, models.CampaignStatusActive)
}

func (s *campaignService) transition(ctx context.Context, id int64, action, from, to string) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == to {
		return campaign, nil
	}
	if campaign.Status != from {
		return nil, models.ErrInvalidTransitionWithMsg(action, campaign.Status)
	}

	ok, err := s.campaignRepo.TransitionStatus(ctx, id, from, to, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to %s campaign: %w", action, err)
	}

	current, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && current.Status != to {
		return nil, models.ErrInvalidTransitionWithMsg(action, current.Status)
	}

	s.logger.Info("campaign status changed",
		slog.Int64("campaign_id", id),
		slog.String("from", from),
		slog.String("to", to),
	)

	return current, nil
}

// Cancel completes the campaign and cancels every recipient that has not finished
func (s *campaignService) Cancel(ctx context.Context, id int64) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == models.CampaignStatusCompleted {
		return campaign, nil
	}

	cancelled, err := s.campaignRepo.Cancel(ctx, id, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to cancel campaign",
			slog.Int64("campaign_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if cancelled {
		s.logger.Info("campaign cancelled",
			slog.Int64("campaign_id", id),
			slog.String("previous_status", campaign.Status),
		)
	}

	return s.campaignRepo.GetByID(ctx, id)
}

// ListCursors returns the per-recipient progress of a campaign
func (s *campaignService) ListCursors(ctx context.Context, filter models.CursorFilter) (*CursorListResult, error) {
	if filter.Status != "" && !models.IsValidCursorStatus(filter.Status) {
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid cursor status: %s", filter.Status))
	}
	if _, err := s.campaignRepo.GetByID(ctx, filter.CampaignID); err != nil {
		return nil, err
	}

	cursors, totalCount, err := s.cursorRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	return &CursorListResult{
		Data:       cursors,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// ListAttempts returns the dispatch attempt log of a campaign
func (s *campaignService) ListAttempts(ctx context.Context, filter models.AttemptFilter) (*AttemptListResult, error) {
	if _, err := s.campaignRepo.GetByID(ctx, filter.CampaignID); err != nil {
		return nil, err
	}

	attempts, totalCount, err := s.attemptRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	return &AttemptListResult{
		Data:       attempts,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// PreviewPersonalized renders one step of the campaign for a single customer
func (s *campaignService) PreviewPersonalized(ctx context.Context, campaignID int64, req *PreviewRequest) (*PreviewResult, error) {
	// Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Get campaign
	campaign, err := s.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	step := models.PrimaryStep
	if req.Step != nil {
		step = *req.Step
		if step != models.PrimaryStep && campaign.Step(step) == nil {
			return nil, models.ErrInvalidInput(fmt.Sprintf("campaign has no follow-up %d", step))
		}
	}

	// Get customer
	customer, err := s.customerRepo.GetByID(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	// Determine which template to use
	templateToUse, subjectTemplate := campaign.ContentFor(step)
	if req.OverrideTemplate != nil && *req.OverrideTemplate != "" {
		templateToUse = *req.OverrideTemplate

		// Validate override template
		if err := s.templateSvc.ValidateTemplate(templateToUse); err != nil {
			return nil, err
		}
	}

	// Render message
	renderedMessage, err := s.templateSvc.Render(templateToUse, customer)
	if err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	renderedSubject, err := s.templateSvc.Render(subjectTemplate, customer)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}

	return &PreviewResult{
		RenderedMessage: renderedMessage,
		Subject:         renderedSubject,
		UsedTemplate:    templateToUse,
		Step:            step,
		Customer: &CustomerPreview{
			ID:        customer.ID,
			FirstName: customer.FirstName,
			LastName:  customer.LastName,
			Phone:     customer.Phone,
			Email:     customer.Email,
		},
	}, nil
}
