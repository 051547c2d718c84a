package repository

import (
	"context"
	"fmt"

	"github.com/Raymond9734/campaign-scheduler/internal/db"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// AttemptRepository is the append-only dispatch audit log
type AttemptRepository interface {
	AppendBatch(ctx context.Context, attempts []*models.DispatchAttempt) error
	List(ctx context.Context, filter models.AttemptFilter) ([]*models.DispatchAttempt, int64, error)
}

type attemptRepository struct {
	db *db.DB
}

// NewAttemptRepository creates a new attempt repository
func NewAttemptRepository(db *db.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

// AppendBatch inserts all attempts or none
func (r *attemptRepository) AppendBatch(ctx context.Context, attempts []*models.DispatchAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attempt batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO dispatch_attempts (campaign_id, recipient_id, step_index, scheduled_at, actual_at,
			outcome, reason, attempt_number, message_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare attempt insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.ExecContext(ctx,
			a.CampaignID,
			a.RecipientID,
			a.StepIndex,
			toMillis(a.ScheduledAt),
			toMillis(a.ActualAt),
			a.Outcome,
			a.Reason,
			a.AttemptNumber,
			a.MessageID,
			a.Detail,
		); err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt batch: %w", err)
	}
	return nil
}

// List retrieves attempts in insertion order
func (r *attemptRepository) List(ctx context.Context, filter models.AttemptFilter) ([]*models.DispatchAttempt, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	where := ` WHERE campaign_id = ?`
	args := []any{filter.CampaignID}
	if filter.RecipientID != 0 {
		where += ` AND recipient_id = ?`
		args = append(args, filter.RecipientID)
	}
	if filter.Outcome != "" {
		where += ` AND outcome = ?`
		args = append(args, filter.Outcome)
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM dispatch_attempts`+where), args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	args = append(args, filter.PageSize, offset)
	query := r.db.Rebind(`
		SELECT id, campaign_id, recipient_id, step_index, scheduled_at, actual_at, outcome, reason,
			attempt_number, message_id, detail
		FROM dispatch_attempts` + where + `
		ORDER BY id
		LIMIT ? OFFSET ?`)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*models.DispatchAttempt{}
	for rows.Next() {
		var (
			a                   models.DispatchAttempt
			scheduledAt, actual int64
		)
		if err := rows.Scan(
			&a.ID,
			&a.CampaignID,
			&a.RecipientID,
			&a.StepIndex,
			&scheduledAt,
			&actual,
			&a.Outcome,
			&a.Reason,
			&a.AttemptNumber,
			&a.MessageID,
			&a.Detail,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.ScheduledAt = fromMillis(scheduledAt)
		a.ActualAt = fromMillis(actual)
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, totalCount, nil
}
