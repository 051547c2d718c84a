package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// CreateCampaignRequest represents a request to create a campaign
type CreateCampaignRequest struct {
	Name         string                  `json:"name" validate:"required,max=255"`
	Channel      string                  `json:"channel" validate:"required,oneof=sms email"`
	Message      string                  `json:"message" validate:"required"`
	Subject      string                  `json:"subject,omitempty" validate:"required_if=Channel email"`
	Audience     models.AudienceSelector `json:"audience"`
	ScheduledAt  *time.Time              `json:"scheduled_at,omitempty"`
	ThrottleRate *int                    `json:"throttle_rate,omitempty"`
	ThrottleUnit string                  `json:"throttle_unit,omitempty" validate:"omitempty,oneof=minute hour day"`
	QuietHours   *QuietHoursRequest      `json:"quiet_hours,omitempty"`
	TimeZone     string                  `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Retry        *RetryRequest           `json:"retry,omitempty"`
	FollowUps    []FollowUpRequest       `json:"follow_ups,omitempty" validate:"max=20,dive"`
}

// QuietHoursRequest is a daily window in the campaign's time zone ("HH:MM" or "HH:MM:SS")
type QuietHoursRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

// RetryRequest configures retries of transient transport rejections
type RetryRequest struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts int  `json:"max_attempts" validate:"omitempty,min=1,max=10"`
}

// FollowUpRequest describes one follow-up step
type FollowUpRequest struct {
	Ordinal    *int   `json:"ordinal,omitempty" validate:"omitempty,min=0"`
	DelayDays  int    `json:"delay_days" validate:"min=0"`
	DelayHours int    `json:"delay_hours" validate:"min=0"`
	Message    string `json:"message" validate:"required"`
	Subject    string `json:"subject,omitempty"`
	Condition  string `json:"condition,omitempty" validate:"omitempty,oneof=always no_reply"`
}

// Validate performs struct validation on the create campaign request
func (r *CreateCampaignRequest) Validate() error {
	return validateStruct(r)
}

// ToCampaign applies defaults and builds the draft campaign the request describes
func (r *CreateCampaignRequest) ToCampaign() (*models.Campaign, error) {
	campaign := &models.Campaign{
		Name:         r.Name,
		Channel:      r.Channel,
		Status:       models.CampaignStatusDraft,
		Message:      r.Message,
		Subject:      r.Subject,
		Audience:     r.Audience,
		ScheduledAt:  r.ScheduledAt,
		ThrottleRate: models.DefaultThrottleRate,
		ThrottleUnit: models.DefaultThrottleUnit,
		TimeZone:     models.DefaultTimeZone,
		Retry: models.RetryPolicy{
			Enabled:     true,
			MaxAttempts: models.DefaultRetryMaxAttempts,
		},
	}

	if campaign.Audience.Method == "" {
		campaign.Audience.Method = models.AudienceAll
	}
	// Directory tags are stored lowercased
	if len(r.Audience.Tags) > 0 {
		campaign.Audience.Tags = make([]string, len(r.Audience.Tags))
		for i, tag := range r.Audience.Tags {
			campaign.Audience.Tags[i] = normalizeTag(tag)
		}
	}
	if r.ThrottleRate != nil {
		campaign.ThrottleRate = *r.ThrottleRate
	}
	if r.ThrottleUnit != "" {
		campaign.ThrottleUnit = r.ThrottleUnit
	}
	if r.TimeZone != "" {
		campaign.TimeZone = r.TimeZone
	}
	if r.Retry != nil {
		campaign.Retry.Enabled = r.Retry.Enabled
		if r.Retry.MaxAttempts > 0 {
			campaign.Retry.MaxAttempts = r.Retry.MaxAttempts
		}
	}

	if r.QuietHours != nil {
		start, err := models.ParseTimeOfDay(r.QuietHours.Start)
		if err != nil {
			return nil, models.ErrInvalidInput(fmt.Sprintf("quiet_hours.start: %v", err))
		}
		end, err := models.ParseTimeOfDay(r.QuietHours.End)
		if err != nil {
			return nil, models.ErrInvalidInput(fmt.Sprintf("quiet_hours.end: %v", err))
		}
		campaign.QuietHours = &models.QuietHours{Start: start, End: end}
	}

	steps := make([]models.FollowUpStep, 0, len(r.FollowUps))
	for i, f := range r.FollowUps {
		ordinal := i
		if f.Ordinal != nil {
			ordinal = *f.Ordinal
		}
		condition := f.Condition
		if condition == "" {
			condition = models.ConditionAlways
		}
		steps = append(steps, models.FollowUpStep{
			Ordinal:    ordinal,
			DelayDays:  f.DelayDays,
			DelayHours: f.DelayHours,
			Message:    f.Message,
			Subject:    f.Subject,
			Condition:  condition,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	campaign.FollowUps = steps

	return campaign, nil
}

// LaunchResult reports the outcome of a launch request
type LaunchResult struct {
	CampaignID int64  `json:"campaign_id"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
	Launched   bool   `json:"launched"`
}

// PreviewRequest represents a request to preview a personalized message
type PreviewRequest struct {
	CustomerID       int64   `json:"customer_id" validate:"required,min=1"`
	Step             *int    `json:"step,omitempty" validate:"omitempty,min=-1"`
	OverrideTemplate *string `json:"override_template,omitempty"`
}

// Validate performs validation on the preview request
func (r *PreviewRequest) Validate() error {
	if r.CustomerID <= 0 {
		return models.ErrInvalidInput("customer_id is required")
	}
	return validateStruct(r)
}

// PreviewResult represents the result of a personalized preview
type PreviewResult struct {
	RenderedMessage string           `json:"rendered_message"`
	Subject         string           `json:"subject,omitempty"`
	UsedTemplate    string           `json:"used_template"`
	Step            int              `json:"step"`
	Customer        *CustomerPreview `json:"customer"`
}

// CustomerPreview contains minimal customer info for preview
type CustomerPreview struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
}

// CampaignListResult represents paginated campaign list results
type CampaignListResult struct {
	Data       []*models.Campaign      `json:"data"`
	Pagination models.PaginationResult `json:"pagination"`
}

// CursorListResult represents paginated recipient cursor results
type CursorListResult struct {
	Data       []*models.RecipientCursor `json:"data"`
	Pagination models.PaginationResult   `json:"pagination"`
}

// AttemptListResult represents paginated dispatch attempt results
type AttemptListResult struct {
	Data       []*models.DispatchAttempt `json:"data"`
	Pagination models.PaginationResult   `json:"pagination"`
}

// OptOutResult reports how many cursors an opt-out closed
type OptOutResult struct {
	RecipientID    int64 `json:"recipient_id"`
	CursorsUpdated int64 `json:"cursors_updated"`
}
