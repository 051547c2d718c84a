package models

import "time"

// Cursor status constants
const (
	CursorStatusPending   = "pending"
	CursorStatusSent      = "sent"
	CursorStatusDelivered = "delivered"
	CursorStatusFailed    = "failed"
	CursorStatusReplied   = "replied"
	CursorStatusOptedOut  = "opted_out"
	CursorStatusExhausted = "exhausted"
	CursorStatusCancelled = "cancelled"
)

// PrimaryStep is the StepIndex of the campaign's first message
const PrimaryStep = -1

// RecipientCursor tracks one recipient's progress through a campaign
type RecipientCursor struct {
	CampaignID    int64      `json:"campaign_id"`
	RecipientID   int64      `json:"recipient_id"`
	Destination   string     `json:"destination"`
	StepIndex     int        `json:"step_index"`
	FinalStep     int        `json:"final_step"`
	Status        string     `json:"status"`
	DueAt         time.Time  `json:"due_at"`
	AttemptCount  int        `json:"attempt_count"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
	LastOutcomeAt *time.Time `json:"last_outcome_at,omitempty"`
	RepliedAt     *time.Time `json:"replied_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CursorFilter holds filtering options for listing cursors
type CursorFilter struct {
	CampaignID int64
	Status     string
	Page       int
	PageSize   int
}

// IsValidCursorStatus checks if the cursor status is valid
func IsValidCursorStatus(status string) bool {
	switch status {
	case CursorStatusPending, CursorStatusSent, CursorStatusDelivered, CursorStatusFailed,
		CursorStatusReplied, CursorStatusOptedOut, CursorStatusExhausted, CursorStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinal reports statuses no transition ever leaves
func IsFinal(status string) bool {
	return status == CursorStatusOptedOut || status == CursorStatusExhausted || status == CursorStatusCancelled
}

// IsResolved reports statuses where the current step's send has an outcome and
// the orchestrator may move the cursor to its next step
func IsResolved(status string) bool {
	switch status {
	case CursorStatusSent, CursorStatusDelivered, CursorStatusReplied, CursorStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the cursor will never send again
func (c *RecipientCursor) IsTerminal() bool {
	return IsFinal(c.Status) || (c.Status == CursorStatusFailed && c.StepIndex >= c.FinalStep)
}

// RepliedSinceLastSend reports whether a reply arrived after the most recent send
func (c *RecipientCursor) RepliedSinceLastSend() bool {
	if c.RepliedAt == nil {
		return false
	}
	if c.LastSentAt == nil {
		return true
	}
	return !c.RepliedAt.Before(*c.LastSentAt)
}
