package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default schedule for transient send failures
const (
	DefaultInitial = 30 * time.Second
	DefaultMax     = 30 * time.Minute
)

// Schedule is an exponential retry schedule: Initial after the first failed
// attempt, doubled per attempt, capped at Max
type Schedule struct {
	Initial time.Duration
	Max     time.Duration
}

// WithDefaults fills unset bounds. Max is never below Initial.
func (s Schedule) WithDefaults() Schedule {
	if s.Initial <= 0 {
		s.Initial = DefaultInitial
	}
	if s.Max < s.Initial {
		s.Max = DefaultMax
		if s.Max < s.Initial {
			s.Max = s.Initial
		}
	}
	return s
}

// Delay is the wait after the given failed attempt, counting from 1
func (s Schedule) Delay(attempt int) time.Duration {
	s = s.WithDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.Max,
	}
	b.Reset()

	delay := s.Initial
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
