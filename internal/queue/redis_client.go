package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// maxRedeliveries bounds how often a failed event goes back on the list
const maxRedeliveries = 3

// redisEntry is the list payload: the event plus how often it was handed back.
// A bare event decodes as a first delivery.
type redisEntry struct {
	models.TransportEvent
	Redeliveries int `json:"redeliveries,omitempty"`
}

// redeliver returns the entry to push back after a handler failure, or false
// once the entry used up its redeliveries
func redeliver(entry redisEntry) (redisEntry, bool) {
	if entry.Redeliveries >= maxRedeliveries {
		return entry, false
	}
	entry.Redeliveries++
	return entry, true
}

// redisClient implements Client using a Redis list
type redisClient struct {
	client    *redis.Client
	queueName string
	logger    *slog.Logger
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL       string
	QueueName string
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(cfg RedisConfig, logger *slog.Logger) (Client, error) {
	client, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	logger.Info("connected to Redis",
		slog.String("addr", client.Options().Addr),
		slog.String("queue", cfg.QueueName),
	)

	return &redisClient{
		client:    client,
		queueName: cfg.QueueName,
		logger:    logger,
	}, nil
}

// Connect parses a Redis URL and verifies the server answers
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Publish pushes an event to the list (LPUSH pairs with BRPOP for FIFO)
func (c *redisClient) Publish(ctx context.Context, event *models.TransportEvent) error {
	if err := c.push(ctx, redisEntry{TransportEvent: *event}); err != nil {
		return err
	}

	c.logger.Debug("event published to queue",
		slog.String("kind", event.Kind),
		slog.Int64("campaign_id", event.CampaignID),
		slog.Int64("recipient_id", event.RecipientID),
	)

	return nil
}

// Consume pops events and runs up to concurrency handlers at once
func (c *redisClient) Consume(ctx context.Context, handler EventHandler, concurrency int) error {
	concurrency = clampConcurrency(concurrency)

	c.logger.Info("starting queue consumer",
		slog.String("queue", c.queueName),
		slog.Int("concurrency", concurrency),
	)

	semaphore := make(chan struct{}, concurrency)
	drain := func() {
		for i := 0; i < concurrency; i++ {
			semaphore <- struct{}{}
		}
	}

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped by context, waiting for in-flight events to complete")
			drain()
			return ctx.Err()
		}

		// Blocks for up to one second when the list is empty
		result, err := c.client.BRPop(ctx, time.Second, c.queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("consumer stopped by context")
				drain()
				return err
			}
			c.logger.Error("failed to pop from queue", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPOP returns [queueName, value]
		if len(result) < 2 {
			c.logger.Error("unexpected BRPOP result format")
			continue
		}

		var entry redisEntry
		if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
			c.logger.Error("failed to unmarshal event",
				slog.String("error", err.Error()),
				slog.String("data", result[1]),
			)
			continue
		}

		semaphore <- struct{}{}
		go func(entry redisEntry) {
			defer func() { <-semaphore }()
			c.handle(ctx, handler, entry)
		}(entry)
	}
}

// handle runs the handler and pushes a failed entry back to the tail of the
// list until it runs out of redeliveries
func (c *redisClient) handle(ctx context.Context, handler EventHandler, entry redisEntry) {
	event := &entry.TransportEvent
	err := handler(ctx, event)
	if err == nil {
		return
	}

	attrs := []any{
		slog.String("kind", event.Kind),
		slog.Int64("campaign_id", event.CampaignID),
		slog.Int64("recipient_id", event.RecipientID),
		slog.Int("redeliveries", entry.Redeliveries),
		slog.String("error", err.Error()),
	}
	next, ok := redeliver(entry)
	if !ok {
		c.logger.Error("handler failed to process event, dropping it", attrs...)
		return
	}
	c.logger.Warn("handler failed to process event, requeueing", attrs...)

	// The entry is already popped, so it goes back even while shutting down
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.push(pushCtx, next); err != nil {
		c.logger.Error("failed to requeue event",
			slog.String("kind", event.Kind),
			slog.Int64("recipient_id", event.RecipientID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *redisClient) push(ctx context.Context, entry redisEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.client.LPush(ctx, c.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to queue: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *redisClient) Close() error {
	c.logger.Info("closing Redis connection")
	return c.client.Close()
}

// Health checks if Redis is healthy
func (c *redisClient) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
