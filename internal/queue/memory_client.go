package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// memoryClient is an in-process queue for single-binary deployments and tests
type memoryClient struct {
	events chan *models.TransportEvent
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryClient creates an in-process queue holding up to buffer events
func NewMemoryClient(buffer int, logger *slog.Logger) Client {
	if buffer < 1 {
		buffer = 1024
	}
	return &memoryClient{
		events: make(chan *models.TransportEvent, buffer),
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (c *memoryClient) Publish(ctx context.Context, event *models.TransportEvent) error {
	select {
	case <-c.closed:
		return fmt.Errorf("queue closed")
	default:
	}
	select {
	case c.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryClient) Consume(ctx context.Context, handler EventHandler, concurrency int) error {
	concurrency = clampConcurrency(concurrency)
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case event := <-c.events:
			semaphore <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				if err := handler(ctx, event); err != nil {
					c.logger.Error("handler failed to process event",
						slog.String("kind", event.Kind),
						slog.Int64("campaign_id", event.CampaignID),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
}

func (c *memoryClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memoryClient) Health(context.Context) error {
	select {
	case <-c.closed:
		return fmt.Errorf("queue closed")
	default:
		return nil
	}
}
