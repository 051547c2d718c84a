package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/throttle"
)

// Lifecycle promotes scheduled campaigns when their start instant arrives and
// completes active campaigns once no recipient has anything left to send
type Lifecycle struct {
	campaigns repository.CampaignRepository
	cursors   repository.CursorRepository
	gate      throttle.Gate
	clock     clock.Clock
	logger    *slog.Logger
}

// forgetter is implemented by gates that keep per-campaign state in memory
type forgetter interface {
	Forget(campaignID int64)
}

// NewLifecycle creates a campaign lifecycle driver. gate may be nil; when it holds
// per-campaign state that state is released on completion.
func NewLifecycle(
	campaigns repository.CampaignRepository,
	cursors repository.CursorRepository,
	gate throttle.Gate,
	clk clock.Clock,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		campaigns: campaigns,
		cursors:   cursors,
		gate:      gate,
		clock:     clk,
		logger:    logger,
	}
}

// PromoteDue moves scheduled campaigns whose start instant has passed to active
func (l *Lifecycle) PromoteDue(ctx context.Context) (int, error) {
	now := l.clock.Now()
	due, err := l.campaigns.ListScheduledDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}

	promoted := 0
	for _, campaign := range due {
		ok, err := l.campaigns.TransitionStatus(ctx, campaign.ID, models.CampaignStatusScheduled, models.CampaignStatusActive, now)
		if err != nil {
			l.logger.Error("failed to activate campaign",
				slog.Int64("campaign_id", campaign.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			promoted++
			l.logger.Info("scheduled campaign activated",
				slog.Int64("campaign_id", campaign.ID),
				slog.Int("recipients", campaign.TotalRecipients),
			)
		}
	}
	return promoted, nil
}

// CompleteFinished completes active campaigns whose cursors are all terminal
func (l *Lifecycle) CompleteFinished(ctx context.Context) (int, error) {
	active, err := l.campaigns.ListByStatus(ctx, models.CampaignStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active campaigns: %w", err)
	}

	completed := 0
	for _, campaign := range active {
		live, err := l.cursors.CountNonTerminal(ctx, campaign.ID)
		if err != nil {
			l.logger.Error("failed to count live cursors",
				slog.Int64("campaign_id", campaign.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if live > 0 {
			continue
		}

		ok, err := l.campaigns.TransitionStatus(ctx, campaign.ID, models.CampaignStatusActive, models.CampaignStatusCompleted, l.clock.Now())
		if err != nil {
			l.logger.Error("failed to complete campaign",
				slog.Int64("campaign_id", campaign.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		completed++
		if f, ok := l.gate.(forgetter); ok {
			f.Forget(campaign.ID)
		}
		l.logger.Info("campaign completed",
			slog.Int64("campaign_id", campaign.ID),
			slog.Int("recipients", campaign.TotalRecipients),
		)
	}
	return completed, nil
}

// RunnerConfig controls the worker loop
type RunnerConfig struct {
	Partitions   int
	PollInterval time.Duration
}

// Runner drives dispatch and orchestration for every partition plus the
// campaign lifecycle, each on its own goroutine
type Runner struct {
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	lifecycle    *Lifecycle
	cfg          RunnerConfig
	logger       *slog.Logger
}

// NewRunner creates a new worker runner
func NewRunner(
	dispatcher *Dispatcher,
	orchestrator *Orchestrator,
	lifecycle *Lifecycle,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker runner started",
		slog.Int("partitions", r.cfg.Partitions),
		slog.Duration("poll_interval", r.cfg.PollInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Partitions; i++ {
		partition := i
		g.Go(func() error {
			return r.every(ctx, func(ctx context.Context) { r.tickPartition(ctx, partition) })
		})
	}
	g.Go(func() error {
		return r.every(ctx, r.tickLifecycle)
	})

	err := g.Wait()
	r.logger.Info("worker runner stopped")
	return err
}

// RunOnce performs one full pass: lifecycle promotion, every partition, then completion
func (r *Runner) RunOnce(ctx context.Context) {
	if _, err := r.lifecycle.PromoteDue(ctx); err != nil {
		r.logger.Error("lifecycle promotion failed", slog.String("error", err.Error()))
	}
	for i := 0; i < r.cfg.Partitions; i++ {
		r.tickPartition(ctx, i)
	}
	if _, err := r.lifecycle.CompleteFinished(ctx); err != nil {
		r.logger.Error("lifecycle completion failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) every(ctx context.Context, fn func(context.Context)) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) tickPartition(ctx context.Context, partition int) {
	if _, err := r.orchestrator.Tick(ctx, partition, r.cfg.Partitions); err != nil {
		r.logger.Error("orchestrator tick failed",
			slog.Int("partition", partition),
			slog.String("error", err.Error()),
		)
	}
	if _, err := r.dispatcher.Tick(ctx, partition, r.cfg.Partitions); err != nil {
		r.logger.Error("dispatcher tick failed",
			slog.Int("partition", partition),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) tickLifecycle(ctx context.Context) {
	if _, err := r.lifecycle.PromoteDue(ctx); err != nil {
		r.logger.Error("lifecycle promotion failed", slog.String("error", err.Error()))
	}
	if _, err := r.lifecycle.CompleteFinished(ctx); err != nil {
		r.logger.Error("lifecycle completion failed", slog.String("error", err.Error()))
	}
}
