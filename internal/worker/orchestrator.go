package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
)

// resolvedStatuses are the cursor statuses whose current step has an outcome
var resolvedStatuses = []string{
	models.CursorStatusSent,
	models.CursorStatusDelivered,
	models.CursorStatusReplied,
	models.CursorStatusFailed,
}

// Orchestrator moves cursors from a resolved step to the next follow-up
type Orchestrator struct {
	campaigns repository.CampaignRepository
	cursors   repository.CursorRepository
	attempts  AttemptLog
	clock     clock.Clock
	batchSize int
	logger    *slog.Logger
}

// NewOrchestrator creates a new follow-up orchestrator
func NewOrchestrator(
	campaigns repository.CampaignRepository,
	cursors repository.CursorRepository,
	attempts AttemptLog,
	clk clock.Clock,
	batchSize int,
	logger *slog.Logger,
) *Orchestrator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Orchestrator{
		campaigns: campaigns,
		cursors:   cursors,
		attempts:  attempts,
		clock:     clk,
		batchSize: batchSize,
		logger:    logger,
	}
}

// PlanNext returns the due instant of the step after stepIndex when that step is
// measured from `from`. With no step left it returns from.
func PlanNext(campaign *models.Campaign, stepIndex int, from time.Time) time.Time {
	if next := campaign.Step(stepIndex + 1); next != nil {
		return from.Add(next.Delay())
	}
	return from
}

type skippedStep struct {
	step  int
	dueAt time.Time
}

// plan is where a cursor goes next
type plan struct {
	step    int
	dueAt   time.Time
	skipped []skippedStep
	done    bool
}

// walk starts at step with its planned due instant and passes over no_reply
// steps the recipient already answered. Each skipped step's successor is due
// its delay after the skipped step's own due instant.
func walk(campaign *models.Campaign, step int, dueAt time.Time, replied bool) plan {
	var p plan
	for {
		s := campaign.Step(step)
		if s == nil {
			p.done = true
			p.step = step - 1
			p.dueAt = dueAt
			return p
		}
		if s.Condition == models.ConditionNoReply && replied {
			p.skipped = append(p.skipped, skippedStep{step: step, dueAt: dueAt})
			dueAt = PlanNext(campaign, step, dueAt)
			step++
			continue
		}
		p.step = step
		p.dueAt = dueAt
		return p
	}
}

// Tick advances resolved cursors of one partition whose next step is due
func (o *Orchestrator) Tick(ctx context.Context, partition, partitions int) (int, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.tick", trace.WithAttributes(
		attribute.Int("partition", partition),
	))
	defer span.End()

	now := o.clock.Now()
	due, err := o.cursors.ListDue(ctx, repository.DueQuery{
		Statuses:   resolvedStatuses,
		Now:        now,
		Partitions: partitions,
		Partition:  partition,
		Limit:      o.batchSize,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list resolved cursors: %w", err)
	}

	cache := newCampaignCache(o.campaigns)
	advanced := 0
	for _, cursor := range due {
		if ctx.Err() != nil {
			break
		}
		campaign, err := cache.get(ctx, cursor.CampaignID)
		if err != nil {
			o.logger.Error("failed to load campaign",
				slog.Int64("campaign_id", cursor.CampaignID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if campaign.Status != models.CampaignStatusActive {
			continue
		}

		p := walk(campaign, cursor.StepIndex+1, resumeFrom(campaign, cursor), cursor.RepliedSinceLastSend())
		if o.apply(ctx, cursor, p, now) {
			advanced++
		}
	}

	span.SetAttributes(attribute.Int("cursors", advanced))
	return advanced, nil
}

// resumeFrom is the planned due instant of the cursor's next step. A send whose
// lease ran out without settling is planned from its send time.
func resumeFrom(campaign *models.Campaign, cursor *models.RecipientCursor) time.Time {
	from := cursor.DueAt
	if cursor.LastSentAt != nil {
		if planned := PlanNext(campaign, cursor.StepIndex, *cursor.LastSentAt); planned.After(from) {
			from = planned
		}
	}
	return from
}

// SkipFrom passes over the cursor's pending step, which the recipient has
// already answered, and moves it to the next step that still applies
func (o *Orchestrator) SkipFrom(ctx context.Context, campaign *models.Campaign, cursor *models.RecipientCursor, now time.Time) bool {
	p := walk(campaign, cursor.StepIndex, cursor.DueAt, cursor.RepliedSinceLastSend())
	return o.apply(ctx, cursor, p, now)
}

func (o *Orchestrator) apply(ctx context.Context, cursor *models.RecipientCursor, p plan, now time.Time) bool {
	t := repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   cursor.Status,
		FromStep:     cursor.StepIndex,
		FromAttempts: cursor.AttemptCount,
		ToStatus:     models.CursorStatusPending,
		ToStep:       p.step,
		ToAttempts:   0,
		DueAt:        p.dueAt,
		At:           now,
	}
	if p.done {
		t.ToStatus = models.CursorStatusExhausted
		if len(p.skipped) == 0 {
			t.ToAttempts = cursor.AttemptCount
		}
	}

	ok, err := o.cursors.Transition(ctx, t)
	if err != nil {
		o.logger.Error("failed to advance cursor",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		// Lost a race with an event or another worker; the next scan sees the new state
		return false
	}

	for _, s := range p.skipped {
		o.attempts.Append(&models.DispatchAttempt{
			CampaignID:  cursor.CampaignID,
			RecipientID: cursor.RecipientID,
			StepIndex:   s.step,
			ScheduledAt: s.dueAt,
			ActualAt:    now,
			Outcome:     models.OutcomeSkipped,
			Reason:      models.ReasonReplied,
		})
	}

	if p.done {
		o.logger.Debug("cursor exhausted",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.Int("skipped", len(p.skipped)),
		)
	} else {
		o.logger.Debug("cursor advanced",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.Int("step_index", p.step),
			slog.Time("due_at", p.dueAt),
			slog.Int("skipped", len(p.skipped)),
		)
	}
	return true
}

// campaignCache memoizes campaign lookups and their resolved time zones for
// the length of one tick
type campaignCache struct {
	repo   repository.CampaignRepository
	byID   map[int64]*models.Campaign
	failed map[int64]error
	zones  map[int64]*time.Location
}

func newCampaignCache(repo repository.CampaignRepository) *campaignCache {
	return &campaignCache{
		repo:   repo,
		byID:   make(map[int64]*models.Campaign),
		failed: make(map[int64]error),
		zones:  make(map[int64]*time.Location),
	}
}

func (c *campaignCache) location(campaign *models.Campaign) *time.Location {
	if loc, ok := c.zones[campaign.ID]; ok {
		return loc
	}
	loc := campaign.Location()
	c.zones[campaign.ID] = loc
	return loc
}

func (c *campaignCache) get(ctx context.Context, id int64) (*models.Campaign, error) {
	if campaign, ok := c.byID[id]; ok {
		return campaign, nil
	}
	if err, ok := c.failed[id]; ok {
		return nil, err
	}
	campaign, err := c.repo.GetByID(ctx, id)
	if err != nil {
		c.failed[id] = err
		return nil, err
	}
	c.byID[id] = campaign
	return campaign, nil
}
