package models

import "time"

// Attempt outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDeferred = "deferred"
	OutcomeSkipped  = "skipped"
)

// Attempt reasons
const (
	ReasonThrottled         = "throttled"
	ReasonQuietHours        = "quiet-hours"
	ReasonTransportRejected = "transport-rejected"
	ReasonOptedOut          = "opted-out"
	ReasonReplied           = "replied"
)

// DispatchAttempt is one immutable row of the audit log
type DispatchAttempt struct {
	ID            int64     `json:"id"`
	CampaignID    int64     `json:"campaign_id"`
	RecipientID   int64     `json:"recipient_id"`
	StepIndex     int       `json:"step_index"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	ActualAt      time.Time `json:"actual_at"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	MessageID     string    `json:"message_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// AttemptFilter holds filtering options for listing attempts
type AttemptFilter struct {
	CampaignID  int64
	RecipientID int64
	Outcome     string
	Page        int
	PageSize    int
}
