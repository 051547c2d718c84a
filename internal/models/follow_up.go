package models

import (
	"fmt"
	"time"
)

// Follow-up condition constants
const (
	ConditionAlways  = "always"
	ConditionNoReply = "no_reply"
)

// FollowUpStep is one message in the sequence that follows the primary send
type FollowUpStep struct {
	Ordinal    int    `json:"ordinal"`
	DelayDays  int    `json:"delay_days"`
	DelayHours int    `json:"delay_hours"`
	Message    string `json:"message"`
	Subject    string `json:"subject,omitempty"`
	Condition  string `json:"condition"`
}

// Delay is the minimum wait after the previous step's send
func (s FollowUpStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Validate checks a single follow-up step
func (s FollowUpStep) Validate() error {
	if s.Message == "" {
		return ErrInvalidInput(fmt.Sprintf("follow-up %d: message is required", s.Ordinal))
	}
	if s.DelayDays < 0 || s.DelayHours < 0 {
		return ErrInvalidInput(fmt.Sprintf("follow-up %d: delay cannot be negative", s.Ordinal))
	}
	if s.Condition != ConditionAlways && s.Condition != ConditionNoReply {
		return ErrInvalidInput(fmt.Sprintf("follow-up %d: invalid condition %q (must be 'always' or 'no_reply')", s.Ordinal, s.Condition))
	}
	return nil
}
