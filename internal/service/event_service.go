package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/retry"
)

// EventService applies asynchronous transport events and opt-outs to recipient cursors
type EventService interface {
	Apply(ctx context.Context, event *models.TransportEvent) error
	OptOut(ctx context.Context, recipientID int64) (*OptOutResult, error)
}

type eventService struct {
	cursorRepo   repository.CursorRepository
	customerRepo repository.CustomerRepository
	campaignRepo repository.CampaignRepository
	retry        retry.Schedule
	clock        clock.Clock
	logger       *slog.Logger
}

// NewEventService creates a new event service. Async failures of a step with
// attempts left are retried on the given schedule.
func NewEventService(
	cursorRepo repository.CursorRepository,
	customerRepo repository.CustomerRepository,
	campaignRepo repository.CampaignRepository,
	schedule retry.Schedule,
	clk clock.Clock,
	logger *slog.Logger,
) EventService {
	return &eventService{
		cursorRepo:   cursorRepo,
		customerRepo: customerRepo,
		campaignRepo: campaignRepo,
		retry:        schedule.WithDefaults(),
		clock:        clk,
		logger:       logger,
	}
}

// ValidateEvent checks that an event carries what its kind needs
func ValidateEvent(event *models.TransportEvent) error {
	if event == nil {
		return models.ErrInvalidInput("event cannot be nil")
	}
	if event.RecipientID <= 0 {
		return models.ErrInvalidInput("recipient_id is required")
	}
	switch event.Kind {
	case models.EventDelivered, models.EventFailed:
		if event.CampaignID <= 0 {
			return models.ErrInvalidInput("campaign_id is required")
		}
		if event.StepIndex < models.PrimaryStep {
			return models.ErrInvalidInput(fmt.Sprintf("invalid step_index %d", event.StepIndex))
		}
	case models.EventReply:
		// Opt-out keywords apply to every campaign of the recipient
		if event.CampaignID <= 0 && !event.IsOptOut() {
			return models.ErrInvalidInput("campaign_id is required")
		}
	default:
		return models.ErrInvalidInput(fmt.Sprintf("invalid event kind: %q", event.Kind))
	}
	return nil
}

// Apply records a delivery receipt, async failure or reply. Events that no longer
// match the cursor (a later step, a final status) are ignored.
func (s *eventService) Apply(ctx context.Context, event *models.TransportEvent) error {
	if err := ValidateEvent(event); err != nil {
		return err
	}

	at := event.OccurredAt
	if at.IsZero() {
		at = s.clock.Now()
	}

	var (
		applied bool
		err     error
	)
	switch event.Kind {
	case models.EventDelivered:
		applied, err = s.cursorRepo.MarkDelivered(ctx, event.CampaignID, event.RecipientID, event.StepIndex, at)
	case models.EventFailed:
		applied, err = s.applyFailure(ctx, event, at)
	case models.EventReply:
		if event.IsOptOut() {
			_, err = s.OptOut(ctx, event.RecipientID)
			return err
		}
		applied, err = s.cursorRepo.RecordReply(ctx, event.CampaignID, event.RecipientID, at)
	}
	if err != nil {
		s.logger.Error("failed to apply transport event",
			slog.String("kind", event.Kind),
			slog.Int64("campaign_id", event.CampaignID),
			slog.Int64("recipient_id", event.RecipientID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to apply %s event: %w", event.Kind, err)
	}

	s.logger.Debug("transport event applied",
		slog.String("kind", event.Kind),
		slog.Int64("campaign_id", event.CampaignID),
		slog.Int64("recipient_id", event.RecipientID),
		slog.Int("step_index", event.StepIndex),
		slog.Bool("applied", applied),
	)

	return nil
}

// applyFailure sends a failed step back to pending while the campaign's retry
// policy has attempts left. Permanent failures and the last attempt are final.
func (s *eventService) applyFailure(ctx context.Context, event *models.TransportEvent, at time.Time) (bool, error) {
	reason := event.Error
	if reason == "" {
		reason = "delivery failed"
	}

	if !event.Permanent {
		retried, err := s.retryFailed(ctx, event, reason, at)
		if err != nil || retried {
			return retried, err
		}
	}
	return s.cursorRepo.MarkFailed(ctx, event.CampaignID, event.RecipientID, event.StepIndex, reason, at)
}

func (s *eventService) retryFailed(ctx context.Context, event *models.TransportEvent, reason string, at time.Time) (bool, error) {
	cursor, err := s.cursorRepo.Get(ctx, event.CampaignID, event.RecipientID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cursor.Status != models.CursorStatusSent || cursor.StepIndex != event.StepIndex {
		return false, nil
	}

	campaign, err := s.campaignRepo.GetByID(ctx, event.CampaignID)
	if err != nil {
		return false, err
	}
	if campaign.Status != models.CampaignStatusActive || cursor.AttemptCount >= campaign.Retry.Attempts() {
		return false, nil
	}

	retryAt := at.Add(s.retry.Delay(cursor.AttemptCount))
	ok, err := s.cursorRepo.Transition(ctx, repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   models.CursorStatusSent,
		FromStep:     cursor.StepIndex,
		FromAttempts: cursor.AttemptCount,
		ToStatus:     models.CursorStatusPending,
		ToStep:       cursor.StepIndex,
		ToAttempts:   cursor.AttemptCount,
		DueAt:        retryAt,
		LastError:    &reason,
		OutcomeAt:    &at,
		At:           at,
	})
	if err != nil || !ok {
		return false, err
	}

	s.logger.Warn("delivery failed, will retry",
		slog.Int64("campaign_id", cursor.CampaignID),
		slog.Int64("recipient_id", cursor.RecipientID),
		slog.Int("attempt", cursor.AttemptCount),
		slog.Int("max_attempts", campaign.Retry.Attempts()),
		slog.Time("retry_at", retryAt),
		slog.String("error", reason),
	)
	return true, nil
}

// OptOut flags the recipient in the directory and closes every cursor that can still send
func (s *eventService) OptOut(ctx context.Context, recipientID int64) (*OptOutResult, error) {
	if recipientID <= 0 {
		return nil, models.ErrInvalidInput("recipient_id is required")
	}

	now := s.clock.Now()
	if err := s.customerRepo.SetOptedOut(ctx, recipientID, now); err != nil {
		return nil, err
	}

	updated, err := s.cursorRepo.OptOutRecipient(ctx, recipientID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to opt out recipient cursors: %w", err)
	}

	s.logger.Info("recipient opted out",
		slog.Int64("recipient_id", recipientID),
		slog.Int64("cursors_updated", updated),
	)

	return &OptOutResult{RecipientID: recipientID, CursorsUpdated: updated}, nil
}
