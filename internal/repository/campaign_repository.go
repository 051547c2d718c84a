package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/db"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// CampaignRepository defines the interface for campaign data access
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error)
	List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error)
	ListByStatus(ctx context.Context, status string) ([]*models.Campaign, error)
	ListScheduledDue(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	// TransitionStatus moves a campaign from one status to another and reports
	// whether this call performed the move.
	TransitionStatus(ctx context.Context, id int64, from, to string, now time.Time) (bool, error)
	// Launch freezes the recipient set and moves the campaign out of draft in one transaction
	Launch(ctx context.Context, id int64, to string, now time.Time, cursors []*models.RecipientCursor) (bool, error)
	// Cancel completes the campaign and cancels every non-terminal cursor in one transaction
	Cancel(ctx context.Context, id int64, now time.Time) (bool, error)
}

// campaignRepository implements CampaignRepository over database/sql
type campaignRepository struct {
	db *db.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *db.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `id, name, channel, status, message, subject, audience, scheduled_at,
	throttle_rate, throttle_unit, quiet_start, quiet_end, timezone, retry_enabled, retry_max_attempts,
	follow_ups, total_recipients, launched_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var (
		c                                    models.Campaign
		audience, followUps                  string
		scheduledAt, launchedAt, completedAt sql.NullInt64
		quietStart, quietEnd                 sql.NullInt64
		retryEnabled                         int
		createdAt, updatedAt                 int64
	)
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Channel,
		&c.Status,
		&c.Message,
		&c.Subject,
		&audience,
		&scheduledAt,
		&c.ThrottleRate,
		&c.ThrottleUnit,
		&quietStart,
		&quietEnd,
		&c.TimeZone,
		&retryEnabled,
		&c.Retry.MaxAttempts,
		&followUps,
		&c.TotalRecipients,
		&launchedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(audience), &c.Audience); err != nil {
		return nil, fmt.Errorf("failed to decode audience of campaign %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(followUps), &c.FollowUps); err != nil {
		return nil, fmt.Errorf("failed to decode follow-ups of campaign %d: %w", c.ID, err)
	}
	if quietStart.Valid && quietEnd.Valid {
		c.QuietHours = &models.QuietHours{
			Start: models.TimeOfDay(quietStart.Int64),
			End:   models.TimeOfDay(quietEnd.Int64),
		}
	}
	c.Retry.Enabled = retryEnabled == 1
	c.ScheduledAt = timePtr(scheduledAt)
	c.LaunchedAt = timePtr(launchedAt)
	c.CompletedAt = timePtr(completedAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// Create inserts a new campaign
func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	audience, err := json.Marshal(campaign.Audience)
	if err != nil {
		return fmt.Errorf("failed to encode audience: %w", err)
	}
	followUps := campaign.FollowUps
	if followUps == nil {
		followUps = []models.FollowUpStep{}
	}
	steps, err := json.Marshal(followUps)
	if err != nil {
		return fmt.Errorf("failed to encode follow-ups: %w", err)
	}

	var quietStart, quietEnd sql.NullInt64
	if campaign.QuietHours != nil {
		quietStart = sql.NullInt64{Int64: int64(campaign.QuietHours.Start), Valid: true}
		quietEnd = sql.NullInt64{Int64: int64(campaign.QuietHours.End), Valid: true}
	}

	query := r.db.Rebind(`
		INSERT INTO campaigns (name, channel, status, message, subject, audience, scheduled_at,
			throttle_rate, throttle_unit, quiet_start, quiet_end, timezone, retry_enabled,
			retry_max_attempts, follow_ups, total_recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		RETURNING id`)

	err = r.db.QueryRowContext(
		ctx,
		query,
		campaign.Name,
		campaign.Channel,
		campaign.Status,
		campaign.Message,
		campaign.Subject,
		string(audience),
		nullMillis(campaign.ScheduledAt),
		campaign.ThrottleRate,
		campaign.ThrottleUnit,
		quietStart,
		quietEnd,
		campaign.TimeZone,
		boolToInt(campaign.Retry.Enabled),
		campaign.Retry.MaxAttempts,
		string(steps),
		toMillis(campaign.CreatedAt),
		toMillis(campaign.UpdatedAt),
	).Scan(&campaign.ID)

	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := r.db.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`)

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// GetWithStats retrieves a campaign with its cursor status distribution
func (r *campaignRepository) GetWithStats(ctx context.Context, id int64) (*models.CampaignWithStats, error) {
	campaign, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	query := r.db.Rebind(`
		SELECT status, COUNT(*)
		FROM recipient_cursors
		WHERE campaign_id = ?
		GROUP BY status`)

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign stats: %w", err)
	}
	defer rows.Close()

	stats := models.CampaignStats{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan campaign stats: %w", err)
		}
		stats.Total += count
		switch status {
		case models.CursorStatusPending:
			stats.Pending = count
		case models.CursorStatusSent:
			stats.Sent = count
		case models.CursorStatusDelivered:
			stats.Delivered = count
		case models.CursorStatusFailed:
			stats.Failed = count
		case models.CursorStatusReplied:
			stats.Replied = count
		case models.CursorStatusOptedOut:
			stats.OptedOut = count
		case models.CursorStatusExhausted:
			stats.Exhausted = count
		case models.CursorStatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign stats: %w", err)
	}

	return &models.CampaignWithStats{Campaign: *campaign, Stats: stats}, nil
}

// List retrieves campaigns with pagination and filtering
func (r *campaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	where := ` WHERE 1=1`
	args := []any{}

	if filter.Channel != "" {
		where += ` AND channel = ?`
		args = append(args, filter.Channel)
	}

	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM campaigns`+where), args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	// Stable ordering (id DESC) keeps pages consistent
	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize, offset)

	campaigns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, totalCount, nil
}

// ListByStatus returns every campaign in a status, oldest first
func (r *campaignRepository) ListByStatus(ctx context.Context, status string) ([]*models.Campaign, error) {
	campaigns, err := r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s campaigns: %w", status, err)
	}
	return campaigns, nil
}

// ListScheduledDue returns scheduled campaigns whose start instant has been reached
func (r *campaignRepository) ListScheduledDue(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	campaigns, err := r.query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at, id`,
		models.CampaignStatusScheduled, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled campaigns: %w", err)
	}
	return campaigns, nil
}

func (r *campaignRepository) query(ctx context.Context, query string, args ...any) ([]*models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}
	return campaigns, nil
}

// TransitionStatus is a compare-and-set on the campaign status
func (r *campaignRepository) TransitionStatus(ctx context.Context, id int64, from, to string, now time.Time) (bool, error) {
	query := `UPDATE campaigns SET status = ?, updated_at = ?`
	args := []any{to, toMillis(now)}
	if to == models.CampaignStatusCompleted {
		query += `, completed_at = ?`
		args = append(args, toMillis(now))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// Launch moves a draft campaign to `to` and inserts its cursors. Returns false,
// with nothing written, when the campaign was no longer a draft.
func (r *campaignRepository) Launch(ctx context.Context, id int64, to string, now time.Time, cursors []*models.RecipientCursor) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin launch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns
		SET status = ?, total_recipients = ?, launched_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		to, len(cursors), toMillis(now), toMillis(now), id, models.CampaignStatusDraft,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO recipient_cursors (campaign_id, recipient_id, destination, step_index, final_step,
			status, due_at, attempt_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING`))
	if err != nil {
		return false, fmt.Errorf("failed to prepare cursor insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cursors {
		if _, err := stmt.ExecContext(ctx,
			id, c.RecipientID, c.Destination, c.StepIndex, c.FinalStep, c.Status, toMillis(c.DueAt), toMillis(now),
		); err != nil {
			return false, fmt.Errorf("failed to insert cursor for recipient %d: %w", c.RecipientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit launch: %w", err)
	}
	return true, nil
}

// Cancel completes any non-completed campaign and cancels its live cursors
func (r *campaignRepository) Cancel(ctx context.Context, id int64, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status <> ?`),
		models.CampaignStatusCompleted, toMillis(now), toMillis(now), id, models.CampaignStatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel campaign: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, updated_at = ?
		WHERE campaign_id = ? AND NOT `+terminalCursorSQL),
		models.CursorStatusCancelled, toMillis(now), id,
	); err != nil {
		return false, fmt.Errorf("failed to cancel cursors: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return true, nil
}
