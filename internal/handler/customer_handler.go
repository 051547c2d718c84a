package handler

import (
	"log/slog"
	"net/http"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/service"
)

// CustomerHandler exposes the recipient directory
type CustomerHandler struct {
	customerService service.CustomerService
	logger          *slog.Logger
}

// NewCustomerHandler creates a new customer handler
func NewCustomerHandler(customerService service.CustomerService, logger *slog.Logger) *CustomerHandler {
	return &CustomerHandler{
		customerService: customerService,
		logger:          logger,
	}
}

type customerListResponse struct {
	Data       []*models.Customer      `json:"data"`
	Pagination models.PaginationResult `json:"pagination"`
}

// CreateCustomer handles POST /customers
func (h *CustomerHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var customer models.Customer
	if !decodeJSON(w, r, &customer) {
		return
	}

	created, err := h.customerService.Create(r.Context(), &customer)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondCreated(w, created)
}

// ListCustomers handles GET /customers
func (h *CustomerHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	customers, pagination, err := h.customerService.List(r.Context(), models.CustomerFilter{
		Phone:    query.Get("phone"),
		Location: query.Get("location"),
		Tag:      query.Get("tag"),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	})
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, customerListResponse{Data: customers, Pagination: pagination})
}

// GetCustomer handles GET /customers/{id}
func (h *CustomerHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "customer")
	if !ok {
		return
	}

	customer, err := h.customerService.GetByID(r.Context(), id)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, customer)
}

// UpdateCustomer handles PUT /customers/{id}
func (h *CustomerHandler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "customer")
	if !ok {
		return
	}

	var customer models.Customer
	if !decodeJSON(w, r, &customer) {
		return
	}
	customer.ID = id

	updated, err := h.customerService.Update(r.Context(), &customer)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	respondSuccess(w, updated)
}
