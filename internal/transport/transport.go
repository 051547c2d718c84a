// Package transport delivers rendered messages to SMS and email providers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one rendered send
type Message struct {
	CampaignID  int64
	RecipientID int64
	StepIndex   int
	Channel     string
	Destination string
	Subject     string
	Body        string
}

// Receipt is returned when the provider accepts a message
type Receipt struct {
	MessageID string
}

// Transport sends one message. A nil error means the provider accepted it.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Rejection is a synchronous refusal by the provider
type Rejection struct {
	Reason    string
	Retryable bool
}

func (r *Rejection) Error() string {
	if r.Retryable {
		return fmt.Sprintf("transport rejected (retryable): %s", r.Reason)
	}
	return fmt.Sprintf("transport rejected: %s", r.Reason)
}

// Reject builds a Rejection error
func Reject(reason string, retryable bool) error {
	return &Rejection{Reason: reason, Retryable: retryable}
}

// IsRetryable classifies a Send error. Timeouts and unclassified errors are
// retryable, explicit permanent rejections are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

type timeoutTransport struct {
	next    Transport
	timeout time.Duration
}

// WithTimeout bounds every Send of next to timeout
func WithTimeout(next Transport, timeout time.Duration) Transport {
	if timeout <= 0 {
		return next
	}
	return &timeoutTransport{next: next, timeout: timeout}
}

func (t *timeoutTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	receipt, err := t.next.Send(ctx, msg)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Receipt{}, Reject(fmt.Sprintf("send timed out after %s", t.timeout), true)
	}
	return receipt, err
}

// Router dispatches by channel
type Router struct {
	channels map[string]Transport
}

// NewRouter creates a router from channel name to transport
func NewRouter(channels map[string]Transport) *Router {
	return &Router{channels: channels}
}

func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	t, ok := r.channels[msg.Channel]
	if !ok {
		return Receipt{}, Reject(fmt.Sprintf("no transport for channel %q", msg.Channel), false)
	}
	return t.Send(ctx, msg)
}
