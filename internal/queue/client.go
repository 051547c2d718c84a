package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// Client defines the interface for transport event ingress
type Client interface {
	// Publish enqueues one transport event
	Publish(ctx context.Context, event *models.TransportEvent) error

	// Consume receives events and processes them with the handler until ctx is done.
	// concurrency controls how many events can be processed simultaneously.
	Consume(ctx context.Context, handler EventHandler, concurrency int) error

	// Close closes the queue connection
	Close() error

	// Health checks if the queue is healthy
	Health(ctx context.Context) error
}

// EventHandler processes one transport event
type EventHandler func(ctx context.Context, event *models.TransportEvent) error

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > 32 {
		return 32
	}
	return n
}

// Supported drivers
const (
	DriverRedis  = "redis"
	DriverAMQP   = "amqp"
	DriverMemory = "memory"
)

// Config selects and configures a queue driver
type Config struct {
	Driver   string
	RedisURL string
	AMQPURL  string
	Name     string
}

// New connects the configured driver. The memory driver only reaches
// consumers in the same process.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		return NewRedisClient(RedisConfig{URL: cfg.RedisURL, QueueName: cfg.Name}, logger)
	case DriverAMQP:
		return NewAMQPClient(AMQPConfig{URL: cfg.AMQPURL, QueueName: cfg.Name}, logger)
	case DriverMemory:
		return NewMemoryClient(0, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
}
