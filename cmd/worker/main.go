package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/config"
	"github.com/Raymond9734/campaign-scheduler/internal/db"
	"github.com/Raymond9734/campaign-scheduler/internal/eventlog"
	"github.com/Raymond9734/campaign-scheduler/internal/logger"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/queue"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
	"github.com/Raymond9734/campaign-scheduler/internal/telemetry"
	"github.com/Raymond9734/campaign-scheduler/internal/throttle"
	"github.com/Raymond9734/campaign-scheduler/internal/transport"
	"github.com/Raymond9734/campaign-scheduler/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, logCloser := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("starting campaign worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "campaign-worker"
	}
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, serviceName)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Connect to database
	database, err := db.New(cfg.Database.DB())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Info("connected to database", slog.String("driver", database.Driver))

	gate, err := newGate(cfg.Throttle, log)
	if err != nil {
		return err
	}

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(database)
	customerRepo := repository.NewCustomerRepository(database)
	cursorRepo := repository.NewCursorRepository(database)
	attemptRepo := repository.NewAttemptRepository(database)

	clk := clock.New()
	sink := eventlog.New(attemptRepo, eventlog.Config{}, log)
	sender := newTransport(cfg, log)

	orchestrator := worker.NewOrchestrator(campaignRepo, cursorRepo, sink, clk, cfg.Worker.BatchSize, log)
	dispatcher := worker.NewDispatcher(
		campaignRepo,
		cursorRepo,
		customerRepo,
		service.NewTemplateService(),
		gate,
		sender,
		sink,
		orchestrator,
		clk,
		worker.DispatcherConfig{
			BatchSize:     cfg.Worker.BatchSize,
			SendTimeout:   cfg.Worker.SendTimeout,
			RetryBackoff:  cfg.Worker.RetryBackoff,
			RetryMaxDelay: cfg.Worker.RetryMaxDelay,
		},
		log,
	)
	runner := worker.NewRunner(
		dispatcher,
		orchestrator,
		worker.NewLifecycle(campaignRepo, cursorRepo, gate, clk, log),
		worker.RunnerConfig{
			Partitions:   cfg.Worker.Partitions,
			PollInterval: cfg.Worker.PollInterval,
		},
		log,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return sink.Run(ctx) })

	// A memory queue has no publisher outside the API process, so there is nothing to consume
	if cfg.Queue.Driver != queue.DriverMemory {
		queueClient, err := queue.New(queue.Config{
			Driver:   cfg.Queue.Driver,
			RedisURL: cfg.Queue.RedisURL,
			AMQPURL:  cfg.Queue.AMQPURL,
			Name:     cfg.Queue.Name,
		}, log)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		defer queueClient.Close()

		events := service.NewEventService(cursorRepo, customerRepo, campaignRepo, cfg.Worker.Retry(), clk, log)
		g.Go(func() error {
			log.Info("starting transport event consumer",
				slog.Int("concurrency", cfg.Queue.Concurrency),
			)
			err := queueClient.Consume(ctx, func(ctx context.Context, event *models.TransportEvent) error {
				return events.Apply(ctx, event)
			}, cfg.Queue.Concurrency)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	log.Info("worker stopped", slog.Int("unflushed_attempts", sink.Pending()))
	return err
}

func newGate(cfg config.ThrottleConfig, log *slog.Logger) (throttle.Gate, error) {
	if cfg.Backend != "redis" {
		log.Info("using in-process throttle gate")
		return throttle.NewMemoryGate(), nil
	}
	client, err := queue.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect throttle gate: %w", err)
	}
	log.Info("using redis throttle gate", slog.String("prefix", cfg.Prefix))
	return throttle.NewRedisGate(client, cfg.Prefix), nil
}

// newTransport routes sms to the mock provider and email to SMTP when configured
func newTransport(cfg *config.Config, log *slog.Logger) transport.Transport {
	mock := transport.NewMockSender(cfg.Worker.MockSuccess, 50*time.Millisecond, 200*time.Millisecond)
	channels := map[string]transport.Transport{
		models.ChannelSMS:   transport.WithTimeout(mock, cfg.Worker.SendTimeout),
		models.ChannelEmail: transport.WithTimeout(mock, cfg.Worker.SendTimeout),
	}
	if cfg.SMTP.Host != "" {
		channels[models.ChannelEmail] = transport.WithTimeout(transport.NewSMTPSender(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), cfg.Worker.SendTimeout)
		log.Info("email channel uses SMTP", slog.String("host", cfg.SMTP.Host))
	}
	return transport.NewRouter(channels)
}
