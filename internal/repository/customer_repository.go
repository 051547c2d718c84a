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

// CustomerRepository is the recipient directory
type CustomerRepository interface {
	Create(ctx context.Context, customer *models.Customer) error
	GetByID(ctx context.Context, id int64) (*models.Customer, error)
	GetByPhone(ctx context.Context, phone string) (*models.Customer, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.Customer, error)
	List(ctx context.Context, filter models.CustomerFilter) ([]*models.Customer, int64, error)
	Update(ctx context.Context, customer *models.Customer) error
	Delete(ctx context.Context, id int64) error
	// ResolveAudience returns opted-in customers matching the selector, ordered by id
	ResolveAudience(ctx context.Context, selector models.AudienceSelector) ([]*models.Customer, error)
	IsOptedOut(ctx context.Context, id int64) (bool, error)
	SetOptedOut(ctx context.Context, id int64, at time.Time) error
}

// customerRepository implements CustomerRepository over database/sql
type customerRepository struct {
	db *db.DB
}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db *db.DB) CustomerRepository {
	return &customerRepository{db: db}
}

const customerColumns = `id, phone, email, first_name, last_name, location, preferred_product, tags,
	group_id, opted_out, opted_out_at, created_at`

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var (
		c          models.Customer
		tags       string
		groupID    sql.NullInt64
		optedOut   int
		optedOutAt sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&c.ID,
		&c.Phone,
		&c.Email,
		&c.FirstName,
		&c.LastName,
		&c.Location,
		&c.PreferredProduct,
		&tags,
		&groupID,
		&optedOut,
		&optedOutAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	c.Tags = decodeTags(tags)
	if groupID.Valid {
		g := groupID.Int64
		c.GroupID = &g
	}
	c.OptedOut = optedOut == 1
	c.OptedOutAt = timePtr(optedOutAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// Create inserts a new customer
func (r *customerRepository) Create(ctx context.Context, customer *models.Customer) error {
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(`
		INSERT INTO customers (phone, email, first_name, last_name, location, preferred_product, tags,
			group_id, opted_out, opted_out_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := r.db.QueryRowContext(
		ctx,
		query,
		customer.Phone,
		customer.Email,
		customer.FirstName,
		customer.LastName,
		customer.Location,
		customer.PreferredProduct,
		encodeTags(customer.Tags),
		nullInt64(customer.GroupID),
		boolToInt(customer.OptedOut),
		nullMillis(customer.OptedOutAt),
		toMillis(customer.CreatedAt),
	).Scan(&customer.ID)

	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}

	return nil
}

// GetByID retrieves a customer by ID
func (r *customerRepository) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	query := r.db.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE id = ?`)

	customer, err := scanCustomer(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("customer with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}

	return customer, nil
}

// GetByPhone retrieves a customer by phone number
func (r *customerRepository) GetByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	query := r.db.Rebind(`SELECT ` + customerColumns + ` FROM customers WHERE phone = ?`)

	customer, err := scanCustomer(r.db.QueryRowContext(ctx, query, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("customer with phone %s not found", phone))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by phone: %w", err)
	}

	return customer, nil
}

// GetByIDs retrieves customers by ID, ordered by id. Unknown ids are skipped.
func (r *customerRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.Customer, error) {
	if len(ids) == 0 {
		return []*models.Customer{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	customers, err := r.query(ctx, `SELECT `+customerColumns+` FROM customers WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get customers: %w", err)
	}
	return customers, nil
}

// List retrieves customers with pagination and filtering
func (r *customerRepository) List(ctx context.Context, filter models.CustomerFilter) ([]*models.Customer, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	where := ` WHERE 1=1`
	args := []any{}

	if filter.Phone != "" {
		where += ` AND phone LIKE ?`
		args = append(args, "%"+filter.Phone+"%")
	}

	if filter.Location != "" {
		where += ` AND location = ?`
		args = append(args, filter.Location)
	}

	if filter.Tag != "" {
		where += ` AND tags LIKE ?`
		args = append(args, "%,"+filter.Tag+",%")
	}

	var totalCount int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM customers`+where), args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count customers: %w", err)
	}

	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	args = append(args, filter.PageSize, offset)

	customers, err := r.query(ctx, `SELECT `+customerColumns+` FROM customers`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list customers: %w", err)
	}

	return customers, totalCount, nil
}

// Update updates an existing customer
func (r *customerRepository) Update(ctx context.Context, customer *models.Customer) error {
	query := r.db.Rebind(`
		UPDATE customers
		SET phone = ?, email = ?, first_name = ?, last_name = ?, location = ?, preferred_product = ?,
			tags = ?, group_id = ?
		WHERE id = ?`)

	result, err := r.db.ExecContext(
		ctx,
		query,
		customer.Phone,
		customer.Email,
		customer.FirstName,
		customer.LastName,
		customer.Location,
		customer.PreferredProduct,
		encodeTags(customer.Tags),
		nullInt64(customer.GroupID),
		customer.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}

	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("customer with ID %d not found", customer.ID))
	}

	return nil
}

// Delete removes a customer
func (r *customerRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM customers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}

	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("customer with ID %d not found", id))
	}

	return nil
}

// ResolveAudience applies the selector against opted-in customers
func (r *customerRepository) ResolveAudience(ctx context.Context, selector models.AudienceSelector) ([]*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE opted_out = 0`
	args := []any{}

	switch selector.Method {
	case models.AudienceAll:
	case models.AudienceManual:
		if len(selector.RecipientIDs) == 0 {
			return []*models.Customer{}, nil
		}
		query += ` AND id IN (` + placeholders(len(selector.RecipientIDs)) + `)`
		for _, id := range selector.RecipientIDs {
			args = append(args, id)
		}
	case models.AudienceTags:
		if len(selector.Tags) == 0 {
			return []*models.Customer{}, nil
		}
		query += ` AND (`
		for i, tag := range selector.Tags {
			if i > 0 {
				query += ` OR `
			}
			query += `tags LIKE ?`
			args = append(args, "%,"+tag+",%")
		}
		query += `)`
	case models.AudienceGroup:
		query += ` AND group_id = ?`
		args = append(args, selector.GroupID)
	default:
		return nil, models.ErrInvalidInput(fmt.Sprintf("invalid audience method: %q", selector.Method))
	}
	query += ` ORDER BY id`

	customers, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}
	return customers, nil
}

// IsOptedOut reports the directory's opt-out flag
func (r *customerRepository) IsOptedOut(ctx context.Context, id int64) (bool, error) {
	var optedOut int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT opted_out FROM customers WHERE id = ?`), id).Scan(&optedOut)
	if errors.Is(err, sql.ErrNoRows) {
		// A recipient removed from the directory can no longer be contacted.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out: %w", err)
	}
	return optedOut == 1, nil
}

// SetOptedOut flags the customer; the first opt-out time is kept
func (r *customerRepository) SetOptedOut(ctx context.Context, id int64, at time.Time) error {
	query := r.db.Rebind(`
		UPDATE customers
		SET opted_out = 1, opted_out_at = COALESCE(opted_out_at, ?)
		WHERE id = ?`)

	result, err := r.db.ExecContext(ctx, query, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to opt out customer: %w", err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("customer with ID %d not found", id))
	}
	return nil
}

func (r *customerRepository) query(ctx context.Context, query string, args ...any) ([]*models.Customer, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []*models.Customer{}
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating customers: %w", err)
	}
	return customers, nil
}
