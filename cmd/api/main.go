package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/config"
	"github.com/Raymond9734/campaign-scheduler/internal/db"
	"github.com/Raymond9734/campaign-scheduler/internal/handler"
	"github.com/Raymond9734/campaign-scheduler/internal/logger"
	"github.com/Raymond9734/campaign-scheduler/internal/queue"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
	"github.com/Raymond9734/campaign-scheduler/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api server failed", slog.String("error", err.Error()))
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

	log.Info("starting campaign API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "campaign-api"
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

	// Initialize repositories
	customerRepo := repository.NewCustomerRepository(database)
	campaignRepo := repository.NewCampaignRepository(database)
	cursorRepo := repository.NewCursorRepository(database)
	attemptRepo := repository.NewAttemptRepository(database)

	// Initialize services
	clk := clock.New()
	templateSvc := service.NewTemplateService()
	customerSvc := service.NewCustomerService(customerRepo, log)
	eventSvc := service.NewEventService(cursorRepo, customerRepo, campaignRepo, cfg.Worker.Retry(), clk, log)
	campaignSvc := service.NewCampaignService(
		campaignRepo,
		customerRepo,
		cursorRepo,
		attemptRepo,
		templateSvc,
		clk,
		log,
	)

	// Transport events go through the queue unless it is process-local
	checks := map[string]handler.HealthChecker{"database": database, "queue": nil}
	publisher := handler.ApplyDirectly(eventSvc)
	if cfg.Queue.Driver != queue.DriverMemory {
		queueClient, err := queue.New(queue.Config{
			Driver:   cfg.Queue.Driver,
			RedisURL: cfg.Queue.RedisURL,
			AMQPURL:  cfg.Queue.AMQPURL,
			Name:     cfg.Queue.Name,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		defer queueClient.Close()
		publisher = queueClient
		checks["queue"] = queueClient
	}

	router := handler.NewRouter(handler.Handlers{
		Campaigns: handler.NewCampaignHandler(campaignSvc, log),
		Customers: handler.NewCustomerHandler(customerSvc, log),
		Webhooks:  handler.NewWebhookHandler(publisher, eventSvc, log),
		Health:    handler.NewHealthHandler(checks, log),
	}, log)

	// Create server
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		log.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		log.Info("server stopped gracefully")
		return nil
	}
}
