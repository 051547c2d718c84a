// Package throttle enforces a campaign's send rate with a sliding log: at most
// Rate admissions in any window of length Per.
package throttle

import (
	"context"
	"time"
)

// Limit is a campaign's configured rate
type Limit struct {
	Rate int
	Per  time.Duration
}

// Admission is the gate's answer for one send
type Admission struct {
	Admitted bool
	// RetryAt is the earliest instant a rejected send could be admitted
	RetryAt time.Time
}

// Gate decides whether a campaign may send one more message at now.
// A rejected send must be rescheduled by the caller, the gate keeps no queue.
type Gate interface {
	TryAdmit(ctx context.Context, campaignID int64, limit Limit, now time.Time) (Admission, error)
}
