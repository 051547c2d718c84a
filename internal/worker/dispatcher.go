package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Raymond9734/campaign-scheduler/internal/clock"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/quiethours"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
	"github.com/Raymond9734/campaign-scheduler/internal/retry"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
	"github.com/Raymond9734/campaign-scheduler/internal/throttle"
	"github.com/Raymond9734/campaign-scheduler/internal/transport"
)

var tracer = otel.Tracer("github.com/Raymond9734/campaign-scheduler/internal/worker")

const (
	defaultBatchSize   = 100
	defaultSendTimeout = 10 * time.Second

	// claimGrace extends a claim's lease past the send timeout
	claimGrace = 30 * time.Second
)

// AttemptLog receives dispatch attempts. eventlog.Sink implements it.
type AttemptLog interface {
	Append(attempt *models.DispatchAttempt)
}

// DispatcherConfig tunes one dispatcher
type DispatcherConfig struct {
	BatchSize     int
	SendTimeout   time.Duration
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	schedule := c.schedule().WithDefaults()
	c.RetryBackoff, c.RetryMaxDelay = schedule.Initial, schedule.Max
	return c
}

func (c DispatcherConfig) schedule() retry.Schedule {
	return retry.Schedule{Initial: c.RetryBackoff, Max: c.RetryMaxDelay}
}

// lease is how long a claimed cursor stays out of every scan while its send is in flight
func (c DispatcherConfig) lease() time.Duration {
	return c.SendTimeout + claimGrace
}

// Dispatcher sends the due pending step of each recipient, one cursor at a time
type Dispatcher struct {
	campaigns    repository.CampaignRepository
	cursors      repository.CursorRepository
	customers    repository.CustomerRepository
	templates    service.TemplateService
	gate         throttle.Gate
	transport    transport.Transport
	attempts     AttemptLog
	orchestrator *Orchestrator
	clock        clock.Clock
	cfg          DispatcherConfig
	logger       *slog.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	campaigns repository.CampaignRepository,
	cursors repository.CursorRepository,
	customers repository.CustomerRepository,
	templates service.TemplateService,
	gate throttle.Gate,
	sender transport.Transport,
	attempts AttemptLog,
	orchestrator *Orchestrator,
	clk clock.Clock,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		campaigns:    campaigns,
		cursors:      cursors,
		customers:    customers,
		templates:    templates,
		gate:         gate,
		transport:    sender,
		attempts:     attempts,
		orchestrator: orchestrator,
		clock:        clk,
		cfg:          cfg.withDefaults(),
		logger:       logger,
	}
}

// throttleState spreads the rest of a throttled campaign's batch over the
// following windows instead of piling every cursor onto the same instant
type throttleState struct {
	retryAt  time.Time
	rate     int
	per      time.Duration
	deferred int
}

func (s *throttleState) next() time.Time {
	at := s.retryAt.Add(time.Duration(s.deferred/s.rate) * s.per)
	s.deferred++
	return at
}

// tickState is the per-tick bookkeeping shared by all cursors of a batch
type tickState struct {
	campaigns   *campaignCache
	throttled   map[int64]*throttleState
	unavailable map[int64]bool
}

// Tick dispatches due pending cursors of one partition and returns how many it handled
func (d *Dispatcher) Tick(ctx context.Context, partition, partitions int) (int, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.tick", trace.WithAttributes(
		attribute.Int("partition", partition),
	))
	defer span.End()

	due, err := d.cursors.ListDue(ctx, repository.DueQuery{
		Statuses:   []string{models.CursorStatusPending},
		Now:        d.clock.Now(),
		Partitions: partitions,
		Partition:  partition,
		Limit:      d.cfg.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list due cursors: %w", err)
	}

	state := &tickState{
		campaigns:   newCampaignCache(d.campaigns),
		throttled:   make(map[int64]*throttleState),
		unavailable: make(map[int64]bool),
	}

	handled := 0
	for _, cursor := range due {
		if ctx.Err() != nil {
			break
		}
		campaign, err := state.campaigns.get(ctx, cursor.CampaignID)
		if err != nil {
			d.logger.Error("failed to load campaign",
				slog.Int64("campaign_id", cursor.CampaignID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if campaign.Status != models.CampaignStatusActive || state.unavailable[campaign.ID] {
			continue
		}

		d.dispatch(ctx, state, campaign, cursor)
		handled++
	}

	span.SetAttributes(attribute.Int("cursors", handled))
	return handled, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, state *tickState, campaign *models.Campaign, cursor *models.RecipientCursor) {
	now := d.clock.Now()

	// The campaign already hit its rate this tick
	if ts, ok := state.throttled[campaign.ID]; ok {
		d.deferCursor(ctx, cursor, ts.next(), now, models.ReasonThrottled)
		return
	}

	customer, err := d.customers.GetByID(ctx, cursor.RecipientID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		d.logger.Error("failed to load recipient",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.String("error", err.Error()),
		)
		return
	}
	// A recipient removed from the directory is treated as opted out
	if customer == nil || customer.OptedOut {
		d.optOut(ctx, cursor, now)
		return
	}

	if step := campaign.Step(cursor.StepIndex); step != nil &&
		step.Condition == models.ConditionNoReply && cursor.RepliedSinceLastSend() {
		d.orchestrator.SkipFrom(ctx, campaign, cursor, now)
		return
	}

	if allowed := quiethours.NextAllowed(campaign.QuietHours, state.campaigns.location(campaign), now); allowed.After(now) {
		d.deferCursor(ctx, cursor, allowed, now, models.ReasonQuietHours)
		return
	}

	msg, err := d.render(campaign, cursor, customer)
	if err != nil {
		d.failUnsent(ctx, campaign, cursor, now, err)
		return
	}

	limit := throttle.Limit{Rate: campaign.ThrottleRate, Per: campaign.ThrottleWindow()}
	admission, err := d.gate.TryAdmit(ctx, campaign.ID, limit, now)
	if err != nil {
		// Without an answer from the gate nothing of this campaign may send
		d.logger.Error("throttle gate unavailable",
			slog.Int64("campaign_id", campaign.ID),
			slog.String("error", err.Error()),
		)
		state.unavailable[campaign.ID] = true
		return
	}
	if !admission.Admitted {
		ts := &throttleState{retryAt: admission.RetryAt, rate: limit.Rate, per: limit.Per}
		state.throttled[campaign.ID] = ts
		d.deferCursor(ctx, cursor, ts.next(), now, models.ReasonThrottled)
		return
	}

	d.send(ctx, campaign, cursor, msg, now)
}

func (d *Dispatcher) render(campaign *models.Campaign, cursor *models.RecipientCursor, customer *models.Customer) (transport.Message, error) {
	bodyTemplate, subjectTemplate := campaign.ContentFor(cursor.StepIndex)
	body, err := d.templates.Render(bodyTemplate, customer)
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to render message: %w", err)
	}
	subject, err := d.templates.Render(subjectTemplate, customer)
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to render subject: %w", err)
	}
	return transport.Message{
		CampaignID:  campaign.ID,
		RecipientID: cursor.RecipientID,
		StepIndex:   cursor.StepIndex,
		Channel:     campaign.Channel,
		Destination: cursor.Destination,
		Subject:     subject,
		Body:        body,
	}, nil
}

// send claims the cursor and hands the message to the transport. Only the
// caller whose claim succeeds sends, so a step goes out at most once per attempt.
// The claim holds the cursor under a lease until the outcome settles its due instant.
func (d *Dispatcher) send(ctx context.Context, campaign *models.Campaign, cursor *models.RecipientCursor, msg transport.Message, now time.Time) {
	nextDue := PlanNext(campaign, cursor.StepIndex, now)
	claimed, err := d.cursors.Claim(ctx, cursor, now, now.Add(d.cfg.lease()))
	if err != nil {
		d.logger.Error("failed to claim cursor",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !claimed {
		d.logger.Debug("cursor claimed elsewhere or campaign no longer active",
			slog.Int64("campaign_id", cursor.CampaignID),
			slog.Int64("recipient_id", cursor.RecipientID),
		)
		return
	}
	attempt := cursor.AttemptCount + 1

	ctx, span := tracer.Start(ctx, "dispatcher.send", trace.WithAttributes(
		attribute.Int64("campaign_id", campaign.ID),
		attribute.Int64("recipient_id", cursor.RecipientID),
		attribute.Int("step_index", cursor.StepIndex),
		attribute.Int("attempt", attempt),
		attribute.String("channel", campaign.Channel),
	))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	receipt, sendErr := d.transport.Send(sendCtx, msg)
	cancel()

	record := &models.DispatchAttempt{
		CampaignID:    campaign.ID,
		RecipientID:   cursor.RecipientID,
		StepIndex:     cursor.StepIndex,
		ScheduledAt:   cursor.DueAt,
		ActualAt:      now,
		AttemptNumber: attempt,
	}

	if sendErr == nil {
		record.Outcome = models.OutcomeAccepted
		record.MessageID = receipt.MessageID
		d.attempts.Append(record)

		if _, err := d.cursors.Settle(ctx, cursor.CampaignID, cursor.RecipientID, cursor.StepIndex, attempt, nextDue, now); err != nil {
			// The lease runs out and the orchestrator plans from last_sent_at instead
			d.logger.Error("failed to settle sent cursor",
				slog.Int64("campaign_id", campaign.ID),
				slog.Int64("recipient_id", cursor.RecipientID),
				slog.String("error", err.Error()),
			)
		}

		d.logger.Info("message sent",
			slog.Int64("campaign_id", campaign.ID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.Int("step_index", cursor.StepIndex),
			slog.String("message_id", receipt.MessageID),
		)
		return
	}

	span.RecordError(sendErr)
	span.SetStatus(codes.Error, "transport rejected message")

	if ctx.Err() != nil {
		// Shutting down mid-send; the outcome is unknown so the cursor stays sent
		d.logger.Warn("send interrupted, leaving cursor sent",
			slog.Int64("campaign_id", campaign.ID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.String("error", sendErr.Error()),
		)
		return
	}

	reason := sendErr.Error()
	record.Outcome = models.OutcomeRejected
	record.Reason = models.ReasonTransportRejected
	record.Detail = reason

	claimedState := repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   models.CursorStatusSent,
		FromStep:     cursor.StepIndex,
		FromAttempts: attempt,
		ToStep:       cursor.StepIndex,
		ToAttempts:   attempt,
		LastError:    &reason,
		OutcomeAt:    &now,
		At:           now,
	}

	if transport.IsRetryable(sendErr) && attempt < campaign.Retry.Attempts() {
		claimedState.ToStatus = models.CursorStatusPending
		claimedState.DueAt = now.Add(d.retryDelay(attempt))
		d.attempts.Append(record)
		if d.transition(ctx, claimedState) {
			d.logger.Warn("message send failed, will retry",
				slog.Int64("campaign_id", campaign.ID),
				slog.Int64("recipient_id", cursor.RecipientID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", campaign.Retry.Attempts()),
				slog.Time("retry_at", claimedState.DueAt),
				slog.String("error", reason),
			)
		}
		return
	}

	// Permanent rejection or out of attempts; the sequence still proceeds
	claimedState.ToStatus = models.CursorStatusFailed
	claimedState.DueAt = nextDue
	d.attempts.Append(record)
	if d.transition(ctx, claimedState) {
		d.logger.Error("message permanently failed",
			slog.Int64("campaign_id", campaign.ID),
			slog.Int64("recipient_id", cursor.RecipientID),
			slog.Int("step_index", cursor.StepIndex),
			slog.Int("attempt", attempt),
			slog.String("error", reason),
		)
	}
}

// failUnsent marks a step failed without sending it, as for a message that cannot be rendered
func (d *Dispatcher) failUnsent(ctx context.Context, campaign *models.Campaign, cursor *models.RecipientCursor, now time.Time, cause error) {
	reason := cause.Error()
	ok := d.transition(ctx, repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   cursor.Status,
		FromStep:     cursor.StepIndex,
		FromAttempts: cursor.AttemptCount,
		ToStatus:     models.CursorStatusFailed,
		ToStep:       cursor.StepIndex,
		ToAttempts:   cursor.AttemptCount + 1,
		DueAt:        PlanNext(campaign, cursor.StepIndex, now),
		LastError:    &reason,
		OutcomeAt:    &now,
		At:           now,
	})
	if !ok {
		return
	}
	d.attempts.Append(&models.DispatchAttempt{
		CampaignID:    cursor.CampaignID,
		RecipientID:   cursor.RecipientID,
		StepIndex:     cursor.StepIndex,
		ScheduledAt:   cursor.DueAt,
		ActualAt:      now,
		Outcome:       models.OutcomeRejected,
		Reason:        models.ReasonTransportRejected,
		AttemptNumber: cursor.AttemptCount + 1,
		Detail:        reason,
	})
	d.logger.Error("message could not be prepared",
		slog.Int64("campaign_id", cursor.CampaignID),
		slog.Int64("recipient_id", cursor.RecipientID),
		slog.String("error", reason),
	)
}

func (d *Dispatcher) optOut(ctx context.Context, cursor *models.RecipientCursor, now time.Time) {
	ok := d.transition(ctx, repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   cursor.Status,
		FromStep:     cursor.StepIndex,
		FromAttempts: cursor.AttemptCount,
		ToStatus:     models.CursorStatusOptedOut,
		ToStep:       cursor.StepIndex,
		ToAttempts:   cursor.AttemptCount,
		DueAt:        cursor.DueAt,
		OutcomeAt:    &now,
		At:           now,
	})
	if !ok {
		return
	}
	d.attempts.Append(&models.DispatchAttempt{
		CampaignID:  cursor.CampaignID,
		RecipientID: cursor.RecipientID,
		StepIndex:   cursor.StepIndex,
		ScheduledAt: cursor.DueAt,
		ActualAt:    now,
		Outcome:     models.OutcomeRejected,
		Reason:      models.ReasonOptedOut,
	})
	d.logger.Info("recipient opted out, cursor closed",
		slog.Int64("campaign_id", cursor.CampaignID),
		slog.Int64("recipient_id", cursor.RecipientID),
	)
}

// deferCursor pushes a pending cursor's due instant to until
func (d *Dispatcher) deferCursor(ctx context.Context, cursor *models.RecipientCursor, until, now time.Time, reason string) {
	ok := d.transition(ctx, repository.CursorTransition{
		CampaignID:   cursor.CampaignID,
		RecipientID:  cursor.RecipientID,
		FromStatus:   cursor.Status,
		FromStep:     cursor.StepIndex,
		FromAttempts: cursor.AttemptCount,
		ToStatus:     cursor.Status,
		ToStep:       cursor.StepIndex,
		ToAttempts:   cursor.AttemptCount,
		DueAt:        until,
		At:           now,
	})
	if !ok {
		return
	}
	d.attempts.Append(&models.DispatchAttempt{
		CampaignID:  cursor.CampaignID,
		RecipientID: cursor.RecipientID,
		StepIndex:   cursor.StepIndex,
		ScheduledAt: cursor.DueAt,
		ActualAt:    now,
		Outcome:     models.OutcomeDeferred,
		Reason:      reason,
		Detail:      "deferred until " + until.UTC().Format(time.RFC3339),
	})
}

func (d *Dispatcher) transition(ctx context.Context, t repository.CursorTransition) bool {
	ok, err := d.cursors.Transition(ctx, t)
	if err != nil {
		d.logger.Error("failed to update cursor",
			slog.Int64("campaign_id", t.CampaignID),
			slog.Int64("recipient_id", t.RecipientID),
			slog.String("to_status", t.ToStatus),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !ok {
		d.logger.Debug("cursor changed concurrently, skipping update",
			slog.Int64("campaign_id", t.CampaignID),
			slog.Int64("recipient_id", t.RecipientID),
			slog.String("to_status", t.ToStatus),
		)
	}
	return ok
}

// retryDelay is the wait after the given failed attempt: RetryBackoff doubled
// per attempt, capped at RetryMaxDelay
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	return d.cfg.schedule().Delay(attempt)
}
