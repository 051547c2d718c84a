package models

import (
	"fmt"
	"time"
)

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign channel constants
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Throttle unit constants
const (
	ThrottleUnitMinute = "minute"
	ThrottleUnitHour   = "hour"
	ThrottleUnitDay    = "day"
)

// Defaults applied on create when the operator leaves a field out
const (
	DefaultThrottleRate     = 1
	DefaultThrottleUnit     = ThrottleUnitMinute
	DefaultRetryMaxAttempts = 3
	DefaultTimeZone         = "UTC"
)

// RetryPolicy controls how many times a transient transport rejection is retried
type RetryPolicy struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts int  `json:"max_attempts"`
}

// Attempts returns the total number of send attempts allowed per step
func (r RetryPolicy) Attempts() int {
	if !r.Enabled || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// Campaign represents an outbound campaign definition and its lifecycle state
type Campaign struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	Channel         string           `json:"channel"`
	Status          string           `json:"status"`
	Message         string           `json:"message"`
	Subject         string           `json:"subject,omitempty"`
	Audience        AudienceSelector `json:"audience"`
	ScheduledAt     *time.Time       `json:"scheduled_at,omitempty"`
	ThrottleRate    int              `json:"throttle_rate"`
	ThrottleUnit    string           `json:"throttle_unit"`
	QuietHours      *QuietHours      `json:"quiet_hours,omitempty"`
	TimeZone        string           `json:"timezone"`
	Retry           RetryPolicy      `json:"retry"`
	FollowUps       []FollowUpStep   `json:"follow_ups"`
	TotalRecipients int              `json:"total_recipients"`
	LaunchedAt      *time.Time       `json:"launched_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CampaignFilter holds filtering options for listing campaigns
type CampaignFilter struct {
	Channel  string
	Status   string
	Page     int
	PageSize int
}

// CampaignStats holds the cursor status distribution of a launched campaign
type CampaignStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Replied   int64 `json:"replied"`
	OptedOut  int64 `json:"opted_out"`
	Exhausted int64 `json:"exhausted"`
	Cancelled int64 `json:"cancelled"`
}

// CampaignWithStats combines campaign details with statistics
type CampaignWithStats struct {
	Campaign
	Stats CampaignStats `json:"stats"`
}

// Validate performs validation on campaign data
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrInvalidInput("name is required")
	}
	if !IsValidChannel(c.Channel) {
		return ErrInvalidInput(fmt.Sprintf("invalid channel: %s (must be 'sms' or 'email')", c.Channel))
	}
	if c.Message == "" {
		return ErrInvalidInput("message is required")
	}
	if c.Status != "" && !IsValidCampaignStatus(c.Status) {
		return ErrInvalidInput(fmt.Sprintf("invalid status: %s", c.Status))
	}
	if c.ThrottleRate <= 0 {
		return &AppError{
			Code:    CodeInvalidThrottleRate,
			Message: fmt.Sprintf("throttle rate must be positive, got %d", c.ThrottleRate),
			Err:     ErrInvalidThrottleRate,
		}
	}
	if !IsValidThrottleUnit(c.ThrottleUnit) {
		return ErrInvalidInput(fmt.Sprintf("invalid throttle unit: %s", c.ThrottleUnit))
	}
	if c.QuietHours != nil && c.QuietHours.Start == c.QuietHours.End {
		return &AppError{
			Code:    CodeInvalidQuietHoursWindow,
			Message: fmt.Sprintf("quiet hours start and end are both %s", c.QuietHours.Start),
			Err:     ErrInvalidQuietHoursWindow,
		}
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil || c.TimeZone == "" {
		return ErrInvalidInput(fmt.Sprintf("invalid timezone: %q", c.TimeZone))
	}
	if c.Retry.Enabled && c.Retry.MaxAttempts < 1 {
		return ErrInvalidInput("retry max_attempts must be at least 1")
	}
	if err := c.Audience.Validate(); err != nil {
		return err
	}
	for i, step := range c.FollowUps {
		if step.Ordinal != i {
			return ErrInvalidInput(fmt.Sprintf("follow-up %d has ordinal %d, ordinals must be contiguous from 0", i, step.Ordinal))
		}
		if err := step.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsValidChannel checks if the channel is valid
func IsValidChannel(channel string) bool {
	return channel == ChannelSMS || channel == ChannelEmail
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusActive, CampaignStatusPaused, CampaignStatusCompleted:
		return true
	default:
		return false
	}
}

// IsValidThrottleUnit checks if the throttle unit is valid
func IsValidThrottleUnit(unit string) bool {
	switch unit {
	case ThrottleUnitMinute, ThrottleUnitHour, ThrottleUnitDay:
		return true
	default:
		return false
	}
}

// ThrottleWindow returns the length of one throttle unit
func (c *Campaign) ThrottleWindow() time.Duration {
	switch c.ThrottleUnit {
	case ThrottleUnitHour:
		return time.Hour
	case ThrottleUnitDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Location returns the campaign's time zone. Falls back to UTC for unknown zones,
// which Validate rejects at create time anyway.
func (c *Campaign) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StepCount returns the number of sends a recipient can receive, primary message included
func (c *Campaign) StepCount() int {
	return len(c.FollowUps) + 1
}

// Step returns the follow-up at ordinal k, or nil when k is out of range.
// StepIndex -1 (the primary message) also returns nil.
func (c *Campaign) Step(k int) *FollowUpStep {
	if k < 0 || k >= len(c.FollowUps) {
		return nil
	}
	return &c.FollowUps[k]
}

// IsLastStep reports whether stepIndex is the final send of the sequence
func (c *Campaign) IsLastStep(stepIndex int) bool {
	return stepIndex >= len(c.FollowUps)-1
}

// ContentFor returns the template and subject used for the given step
func (c *Campaign) ContentFor(stepIndex int) (message, subject string) {
	if step := c.Step(stepIndex); step != nil {
		subject = step.Subject
		if subject == "" {
			subject = c.Subject
		}
		return step.Message, subject
	}
	return c.Message, c.Subject
}
