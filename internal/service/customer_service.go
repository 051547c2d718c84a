package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
)

// CustomerService manages the recipient directory
type CustomerService interface {
	Create(ctx context.Context, customer *models.Customer) (*models.Customer, error)
	GetByID(ctx context.Context, id int64) (*models.Customer, error)
	List(ctx context.Context, filter models.CustomerFilter) ([]*models.Customer, models.PaginationResult, error)
	Update(ctx context.Context, customer *models.Customer) (*models.Customer, error)
}

type customerService struct {
	customerRepo repository.CustomerRepository
	logger       *slog.Logger
}

// NewCustomerService creates a new customer service
func NewCustomerService(
	customerRepo repository.CustomerRepository,
	logger *slog.Logger,
) CustomerService {
	return &customerService{
		customerRepo: customerRepo,
		logger:       logger,
	}
}

// Create adds a directory entry. Opt-outs only arrive through the opt-out flow,
// so a new customer always starts opted in.
func (s *customerService) Create(ctx context.Context, customer *models.Customer) (*models.Customer, error) {
	normalizeCustomer(customer)
	if err := validateContact(customer); err != nil {
		return nil, err
	}
	if err := s.ensurePhoneFree(ctx, customer.Phone, 0); err != nil {
		return nil, err
	}

	customer.OptedOut = false
	customer.OptedOutAt = nil

	if err := s.customerRepo.Create(ctx, customer); err != nil {
		s.logger.Error("failed to create customer",
			slog.String("phone", customer.Phone),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	s.logger.Info("customer created",
		slog.Int64("customer_id", customer.ID),
		slog.Int("tags", len(customer.Tags)),
	)
	return customer, nil
}

func (s *customerService) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	return s.customerRepo.GetByID(ctx, id)
}

// List pages through the directory. The tag filter matches the stored, lowercased form.
func (s *customerService) List(ctx context.Context, filter models.CustomerFilter) ([]*models.Customer, models.PaginationResult, error) {
	filter.Phone = strings.TrimSpace(filter.Phone)
	filter.Tag = normalizeTag(filter.Tag)

	customers, totalCount, err := s.customerRepo.List(ctx, filter)
	if err != nil {
		return nil, models.PaginationResult{}, fmt.Errorf("failed to list customers: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)
	return customers, models.NewPaginationResult(filter.Page, filter.PageSize, totalCount), nil
}

// Update replaces the contact and personalization fields of an entry. Opt-out
// state and creation time are kept from the stored record.
func (s *customerService) Update(ctx context.Context, customer *models.Customer) (*models.Customer, error) {
	existing, err := s.customerRepo.GetByID(ctx, customer.ID)
	if err != nil {
		return nil, err
	}

	normalizeCustomer(customer)
	if err := validateContact(customer); err != nil {
		return nil, err
	}
	if customer.Phone != existing.Phone {
		if err := s.ensurePhoneFree(ctx, customer.Phone, customer.ID); err != nil {
			return nil, err
		}
	}

	customer.OptedOut = existing.OptedOut
	customer.OptedOutAt = existing.OptedOutAt
	customer.CreatedAt = existing.CreatedAt

	if err := s.customerRepo.Update(ctx, customer); err != nil {
		s.logger.Error("failed to update customer",
			slog.Int64("customer_id", customer.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to update customer: %w", err)
	}

	s.logger.Info("customer updated", slog.Int64("customer_id", customer.ID))
	return customer, nil
}

// ensurePhoneFree rejects a phone number already held by another entry
func (s *customerService) ensurePhoneFree(ctx context.Context, phone string, self int64) error {
	if phone == "" {
		return nil
	}
	existing, err := s.customerRepo.GetByPhone(ctx, phone)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check phone: %w", err)
	case existing.ID != self:
		return models.ErrConflictWithMsg(fmt.Sprintf("customer with phone %s already exists", phone))
	}
	return nil
}

func normalizeCustomer(c *models.Customer) {
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Location = strings.TrimSpace(c.Location)
	c.PreferredProduct = strings.TrimSpace(c.PreferredProduct)

	tags := make([]string, 0, len(c.Tags))
	for _, tag := range c.Tags {
		tag = normalizeTag(tag)
		if tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	c.Tags = tags
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// validateContact checks the entry shape and the format of each address it carries
func validateContact(c *models.Customer) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Phone != "" && validate.Var(c.Phone, "e164") != nil {
		return models.ErrInvalidInput(fmt.Sprintf("phone %q is not in E.164 format", c.Phone))
	}
	if c.Email != "" && validate.Var(c.Email, "email") != nil {
		return models.ErrInvalidInput(fmt.Sprintf("email %q is not a valid address", c.Email))
	}
	return nil
}
