package models

import (
	"strings"
	"time"
)

// Transport event kinds
const (
	EventDelivered = "delivered"
	EventFailed    = "failed"
	EventReply     = "reply"
)

// TransportEvent is an asynchronous notification from a transport about an earlier send
type TransportEvent struct {
	Kind        string    `json:"kind"`
	CampaignID  int64     `json:"campaign_id"`
	RecipientID int64     `json:"recipient_id"`
	StepIndex   int       `json:"step_index"`
	MessageID   string    `json:"message_id,omitempty"`
	Body        string    `json:"body,omitempty"`
	Error       string    `json:"error,omitempty"`
	Permanent   bool      `json:"permanent,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

var optOutKeywords = map[string]struct{}{
	"STOP":        {},
	"STOPALL":     {},
	"UNSUBSCRIBE": {},
	"CANCEL":      {},
	"END":         {},
	"QUIT":        {},
}

// IsOptOut reports whether a reply body is an opt-out keyword
func (e *TransportEvent) IsOptOut() bool {
	if e.Kind != EventReply {
		return false
	}
	_, ok := optOutKeywords[strings.ToUpper(strings.TrimSpace(e.Body))]
	return ok
}
