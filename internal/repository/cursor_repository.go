package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Raymond9734/campaign-scheduler/internal/db"
	"github.com/Raymond9734/campaign-scheduler/internal/models"
)

// DueQuery selects cursors ready for work in one partition
type DueQuery struct {
	Statuses   []string
	Now        time.Time
	Partitions int
	Partition  int
	Limit      int
}

// CursorTransition is a compare-and-set on a cursor. The From fields must match
// the stored row for the update to apply.
type CursorTransition struct {
	CampaignID   int64
	RecipientID  int64
	FromStatus   string
	FromStep     int
	FromAttempts int

	ToStatus   string
	ToStep     int
	ToAttempts int
	DueAt      time.Time
	LastError  *string
	OutcomeAt  *time.Time
	At         time.Time
}

// CursorRepository defines the interface for recipient cursor data access
type CursorRepository interface {
	Get(ctx context.Context, campaignID, recipientID int64) (*models.RecipientCursor, error)
	List(ctx context.Context, filter models.CursorFilter) ([]*models.RecipientCursor, int64, error)
	// ListDue returns cursors of active campaigns in the given statuses whose due instant has passed
	ListDue(ctx context.Context, q DueQuery) ([]*models.RecipientCursor, error)
	// Claim marks a pending cursor sent and leases it until leaseUntil. Only one
	// caller can win for a given (step, attempt); the claim fails once the
	// campaign is no longer active.
	Claim(ctx context.Context, c *models.RecipientCursor, now, leaseUntil time.Time) (bool, error)
	// Settle replaces the lease of an accepted send with the next step's due
	// instant. Events may already have moved the cursor to delivered or replied.
	Settle(ctx context.Context, campaignID, recipientID int64, step, attempts int, dueAt, at time.Time) (bool, error)
	Transition(ctx context.Context, t CursorTransition) (bool, error)
	MarkDelivered(ctx context.Context, campaignID, recipientID int64, step int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, campaignID, recipientID int64, step int, reason string, at time.Time) (bool, error)
	// RecordReply stamps the reply time and moves a sent or delivered cursor to replied
	RecordReply(ctx context.Context, campaignID, recipientID int64, at time.Time) (bool, error)
	// OptOutRecipient moves every non-terminal cursor of a recipient to opted_out
	OptOutRecipient(ctx context.Context, recipientID int64, at time.Time) (int64, error)
	CountNonTerminal(ctx context.Context, campaignID int64) (int64, error)
}

// cursorRepository implements CursorRepository over database/sql
type cursorRepository struct {
	db *db.DB
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *db.DB) CursorRepository {
	return &cursorRepository{db: db}
}

const cursorColumns = `campaign_id, recipient_id, destination, step_index, final_step, status, due_at,
	attempt_count, last_sent_at, last_outcome_at, replied_at, last_error, updated_at`

func scanCursor(row rowScanner) (*models.RecipientCursor, error) {
	var (
		c                                  models.RecipientCursor
		dueAt, updatedAt                   int64
		lastSentAt, lastOutcome, repliedAt sql.NullInt64
		lastError                          sql.NullString
	)
	err := row.Scan(
		&c.CampaignID,
		&c.RecipientID,
		&c.Destination,
		&c.StepIndex,
		&c.FinalStep,
		&c.Status,
		&dueAt,
		&c.AttemptCount,
		&lastSentAt,
		&lastOutcome,
		&repliedAt,
		&lastError,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.DueAt = fromMillis(dueAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.LastSentAt = timePtr(lastSentAt)
	c.LastOutcomeAt = timePtr(lastOutcome)
	c.RepliedAt = timePtr(repliedAt)
	c.LastError = stringPtr(lastError)
	return &c, nil
}

func (r *cursorRepository) query(ctx context.Context, query string, args ...any) ([]*models.RecipientCursor, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cursors := []*models.RecipientCursor{}
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}

// Get retrieves one cursor
func (r *cursorRepository) Get(ctx context.Context, campaignID, recipientID int64) (*models.RecipientCursor, error) {
	query := r.db.Rebind(`SELECT ` + cursorColumns + ` FROM recipient_cursors WHERE campaign_id = ? AND recipient_id = ?`)

	c, err := scanCursor(r.db.QueryRowContext(ctx, query, campaignID, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("recipient %d is not part of campaign %d", recipientID, campaignID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

// List retrieves a campaign's cursors with pagination
func (r *cursorRepository) List(ctx context.Context, filter models.CursorFilter) ([]*models.RecipientCursor, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	where := ` WHERE campaign_id = ?`
	args := []any{filter.CampaignID}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM recipient_cursors`+where), args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count cursors: %w", err)
	}

	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	args = append(args, filter.PageSize, offset)
	cursors, err := r.query(ctx, `SELECT `+cursorColumns+` FROM recipient_cursors`+where+` ORDER BY recipient_id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list cursors: %w", err)
	}
	return cursors, totalCount, nil
}

// ListDue scans the (status, due_at) index for one partition, oldest due first
func (r *cursorRepository) ListDue(ctx context.Context, q DueQuery) ([]*models.RecipientCursor, error) {
	if len(q.Statuses) == 0 {
		return nil, nil
	}
	partitions := q.Partitions
	if partitions < 1 {
		partitions = 1
	}

	query := `
		SELECT ` + cursorColumns + `
		FROM recipient_cursors
		WHERE status IN (` + placeholders(len(q.Statuses)) + `)
		AND due_at <= ?
		AND NOT (status = 'failed' AND step_index >= final_step)
		AND campaign_id % ? = ?
		AND campaign_id IN (SELECT id FROM campaigns WHERE status = 'active')
		ORDER BY due_at, campaign_id, recipient_id
		LIMIT ?`

	args := make([]any, 0, len(q.Statuses)+4)
	for _, s := range q.Statuses {
		args = append(args, s)
	}
	args = append(args, toMillis(q.Now), partitions, q.Partition, q.Limit)

	cursors, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cursors: %w", err)
	}
	return cursors, nil
}

// Claim performs the pending -> sent compare-and-set
func (r *cursorRepository) Claim(ctx context.Context, c *models.RecipientCursor, now, leaseUntil time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, attempt_count = attempt_count + 1, last_sent_at = ?, due_at = ?, updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ?
		AND status = ? AND step_index = ? AND attempt_count = ?
		AND EXISTS (SELECT 1 FROM campaigns WHERE id = ? AND status = 'active')`)

	result, err := r.db.ExecContext(ctx, query,
		models.CursorStatusSent, toMillis(now), toMillis(leaseUntil), toMillis(now),
		c.CampaignID, c.RecipientID,
		models.CursorStatusPending, c.StepIndex, c.AttemptCount,
		c.CampaignID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim cursor: %w", err)
	}
	return affectedOne(result)
}

// Settle only matches the attempt that was claimed
func (r *cursorRepository) Settle(ctx context.Context, campaignID, recipientID int64, step, attempts int, dueAt, at time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET due_at = ?, updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ?
		AND step_index = ? AND attempt_count = ?
		AND status IN (?, ?, ?)`)

	result, err := r.db.ExecContext(ctx, query,
		toMillis(dueAt), toMillis(at),
		campaignID, recipientID, step, attempts,
		models.CursorStatusSent, models.CursorStatusDelivered, models.CursorStatusReplied,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle cursor: %w", err)
	}
	return affectedOne(result)
}

// Transition applies a compare-and-set on (status, step_index, attempt_count)
func (r *cursorRepository) Transition(ctx context.Context, t CursorTransition) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, step_index = ?, attempt_count = ?, due_at = ?,
			last_error = COALESCE(?, last_error),
			last_outcome_at = COALESCE(?, last_outcome_at),
			updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ?
		AND status = ? AND step_index = ? AND attempt_count = ?`)

	result, err := r.db.ExecContext(ctx, query,
		t.ToStatus, t.ToStep, t.ToAttempts, toMillis(t.DueAt),
		nullString(t.LastError),
		nullMillis(t.OutcomeAt),
		toMillis(t.At),
		t.CampaignID, t.RecipientID,
		t.FromStatus, t.FromStep, t.FromAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition cursor: %w", err)
	}
	return affectedOne(result)
}

// MarkDelivered applies an asynchronous delivery receipt for the given step
func (r *cursorRepository) MarkDelivered(ctx context.Context, campaignID, recipientID int64, step int, at time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, last_outcome_at = ?, updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ? AND step_index = ? AND status = ?`)

	result, err := r.db.ExecContext(ctx, query,
		models.CursorStatusDelivered, toMillis(at), toMillis(at),
		campaignID, recipientID, step, models.CursorStatusSent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark cursor delivered: %w", err)
	}
	return affectedOne(result)
}

// MarkFailed applies an asynchronous delivery failure for the given step
func (r *cursorRepository) MarkFailed(ctx context.Context, campaignID, recipientID int64, step int, reason string, at time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, last_error = ?, last_outcome_at = ?, updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ? AND step_index = ? AND status = ?`)

	result, err := r.db.ExecContext(ctx, query,
		models.CursorStatusFailed, reason, toMillis(at), toMillis(at),
		campaignID, recipientID, step, models.CursorStatusSent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark cursor failed: %w", err)
	}
	return affectedOne(result)
}

// RecordReply never touches a terminal status
func (r *cursorRepository) RecordReply(ctx context.Context, campaignID, recipientID int64, at time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET replied_at = ?,
			status = CASE WHEN status IN ('sent', 'delivered') THEN 'replied' ELSE status END,
			updated_at = ?
		WHERE campaign_id = ? AND recipient_id = ?`)

	result, err := r.db.ExecContext(ctx, query, toMillis(at), toMillis(at), campaignID, recipientID)
	if err != nil {
		return false, fmt.Errorf("failed to record reply: %w", err)
	}
	return affectedOne(result)
}

// OptOutRecipient returns the number of cursors moved to opted_out
func (r *cursorRepository) OptOutRecipient(ctx context.Context, recipientID int64, at time.Time) (int64, error) {
	query := r.db.Rebind(`
		UPDATE recipient_cursors
		SET status = ?, updated_at = ?
		WHERE recipient_id = ? AND NOT ` + terminalCursorSQL)

	result, err := r.db.ExecContext(ctx, query, models.CursorStatusOptedOut, toMillis(at), recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to opt out recipient cursors: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountNonTerminal counts cursors that may still send
func (r *cursorRepository) CountNonTerminal(ctx context.Context, campaignID int64) (int64, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM recipient_cursors WHERE campaign_id = ? AND NOT ` + terminalCursorSQL)

	var count int64
	if err := r.db.QueryRowContext(ctx, query, campaignID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count live cursors: %w", err)
	}
	return count, nil
}

func affectedOne(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}
