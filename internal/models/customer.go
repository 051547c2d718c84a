package models

import (
	"fmt"
	"strings"
	"time"
)

// Audience selection methods
const (
	AudienceAll    = "all"
	AudienceManual = "manual"
	AudienceTags   = "tags"
	AudienceGroup  = "group"
)

// Customer represents a recipient in the directory
type Customer struct {
	ID               int64      `json:"id"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email,omitempty"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Location         string     `json:"location"`
	PreferredProduct string     `json:"preferred_product"`
	Tags             []string   `json:"tags,omitempty"`
	GroupID          *int64     `json:"group_id,omitempty"`
	OptedOut         bool       `json:"opted_out"`
	OptedOutAt       *time.Time `json:"opted_out_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CustomerFilter holds filtering options for listing customers
type CustomerFilter struct {
	Phone    string
	Location string
	Tag      string
	Page     int
	PageSize int
}

// Validate performs basic validation on customer data
func (c *Customer) Validate() error {
	if c.Phone == "" && c.Email == "" {
		return ErrInvalidInput("phone or email is required")
	}
	for _, tag := range c.Tags {
		if tag == "" || strings.Contains(tag, ",") {
			return ErrInvalidInput(fmt.Sprintf("invalid tag %q", tag))
		}
	}
	return nil
}

// DestinationFor returns the address used for the given channel
func (c *Customer) DestinationFor(channel string) string {
	if channel == ChannelEmail {
		return c.Email
	}
	return c.Phone
}

// AudienceSelector describes which directory entries a campaign targets
type AudienceSelector struct {
	Method       string   `json:"method"`
	RecipientIDs []int64  `json:"recipient_ids,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	GroupID      int64    `json:"group_id,omitempty"`
}

// Validate checks that the selector carries what its method needs
func (a AudienceSelector) Validate() error {
	switch a.Method {
	case AudienceAll:
		return nil
	case AudienceManual:
		if len(a.RecipientIDs) == 0 {
			return ErrInvalidInput("audience recipient_ids required for method 'manual'")
		}
	case AudienceTags:
		if len(a.Tags) == 0 {
			return ErrInvalidInput("audience tags required for method 'tags'")
		}
	case AudienceGroup:
		if a.GroupID <= 0 {
			return ErrInvalidInput("audience group_id required for method 'group'")
		}
	default:
		return ErrInvalidInput(fmt.Sprintf("invalid audience method: %q", a.Method))
	}
	return nil
}
