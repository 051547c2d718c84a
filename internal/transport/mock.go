package transport

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// mockSender simulates a provider with a configurable acceptance rate
type mockSender struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewMockSender creates a new mock transport
// successRate: probability of acceptance (0.0 to 1.0), default 0.92 (92%)
func NewMockSender(successRate float64, minDelay, maxDelay time.Duration) Transport {
	if successRate <= 0 || successRate > 1.0 {
		successRate = 0.92
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	return &mockSender{
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// Send simulates network latency, then accepts or rejects
func (s *mockSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	delay := s.minDelay
	if s.maxDelay > s.minDelay {
		delay += time.Duration(rand.Int63n(int64(s.maxDelay - s.minDelay)))
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}

	if msg.Destination == "" {
		return Receipt{}, Reject("empty destination", false)
	}

	if rand.Float64() > s.successRate {
		return Receipt{}, Reject("simulated network error", true)
	}

	return Receipt{MessageID: uuid.NewString()}, nil
}
