package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// AMQPConfig holds RabbitMQ configuration
type AMQPConfig struct {
	URL       string
	QueueName string
}

// amqpClient implements Client on a durable RabbitMQ queue
type amqpClient struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	logger    *slog.Logger

	// amqp.Channel is not safe for concurrent publishes
	publishMu sync.Mutex
}

// NewAMQPClient dials RabbitMQ and declares the queue
func NewAMQPClient(cfg AMQPConfig, logger *slog.Logger) (Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	logger.Info("connected to RabbitMQ", slog.String("queue", cfg.QueueName))

	return &amqpClient{
		conn:      conn,
		ch:        ch,
		queueName: cfg.QueueName,
		logger:    logger,
	}, nil
}

// Publish sends a persistent message to the default exchange
func (c *amqpClient) Publish(ctx context.Context, event *models.TransportEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	err = c.ch.Publish(
		"",
		c.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Consume acks each event after the handler runs. A failed event is requeued
// once, then dropped with an error log.
func (c *amqpClient) Consume(ctx context.Context, handler EventHandler, concurrency int) error {
	concurrency = clampConcurrency(concurrency)

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queueName,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("starting queue consumer",
		slog.String("queue", c.queueName),
		slog.Int("concurrency", concurrency),
	)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped by context, waiting for in-flight events to complete")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var event models.TransportEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				c.logger.Error("invalid event payload", slog.String("error", err.Error()))
				_ = d.Ack(false)
				continue
			}

			semaphore <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery, event models.TransportEvent) {
				defer wg.Done()
				defer func() { <-semaphore }()

				if err := handler(ctx, &event); err != nil {
					c.logger.Error("handler failed to process event",
						slog.String("kind", event.Kind),
						slog.Int64("campaign_id", event.CampaignID),
						slog.Int64("recipient_id", event.RecipientID),
						slog.Bool("redelivered", d.Redelivered),
						slog.String("error", err.Error()),
					)
					_ = d.Nack(false, !d.Redelivered)
					return
				}
				_ = d.Ack(false)
			}(d, event)
		}
	}
}

// Close closes the channel and connection
func (c *amqpClient) Close() error {
	c.logger.Info("closing RabbitMQ connection")
	if err := c.ch.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// Health reports whether the connection is still open
func (c *amqpClient) Health(_ context.Context) error {
	if c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}
