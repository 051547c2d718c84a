package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/Raymond9734/campaign-scheduler/internal/models"
	"github.com/Raymond9734/campaign-scheduler/internal/repository"
)

func TestCampaignService_PreviewPersonalized(t *testing.T) {
	tests := []struct {
		name            string
		campaign        *models.Campaign
		customer        *models.Customer
		overrideTemplate *string
		wantMessage     string
		wantTemplate    string
		wantErr         bool
	}{
		{
			name: "use campaign template",
			campaign: &models.Campaign{
				ID:      1,
				Name:    "Test Campaign",
				Message: "Hi {first_name}, check {preferred_product}!",
			},
			customer: &models.Customer{
				ID:               1,
				FirstName:        "Alice",
				PreferredProduct: "Running Shoes",
			},
			overrideTemplate: nil,
			wantMessage:      "Hi Alice, check Running Shoes!",
			wantTemplate:     "Hi {first_name}, check {preferred_product}!",
			wantErr:          false,
		},
		{
			name: "use override template",
			campaign: &models.Campaign{
				ID:      1,
				Message: "Old template",
			},
			customer: &models.Customer{
				ID:        1,
				FirstName: "Bob",
				Location:  "Nairobi",
			},
			overrideTemplate: stringPtr("Hello {first_name} from {location}!"),
			wantMessage:      "Hello Bob from Nairobi!",
			wantTemplate:     "Hello {first_name} from {location}!",
			wantErr:          false,
		},
		{
			name: "empty override template uses campaign template",
			campaign: &models.Campaign{
				ID:      1,
				Message: "Campaign: {first_name}",
			},
			customer: &models.Customer{
				ID:        1,
				FirstName: "Charlie",
			},
			overrideTemplate: stringPtr(""),
			wantMessage:      "Campaign: Charlie",
			wantTemplate:     "Campaign: {first_name}",
			wantErr:          false,
		},
		{
			name: "missing customer fields filled with empty string",
			campaign: &models.Campaign{
				ID:      1,
				Message: "Hi {first_name} {last_name}, {preferred_product}",
			},
			customer: &models.Customer{
				ID:               1,
				FirstName:        "David",
				LastName:         "",
				PreferredProduct: "",
			},
			overrideTemplate: nil,
			wantMessage:      "Hi David , ",
			wantTemplate:     "Hi {first_name} {last_name}, {preferred_product}",
			wantErr:          false,
		},
		{
			name: "all placeholders used",
			campaign: &models.Campaign{
				ID:      1,
				Message: "{first_name} {last_name}, {location}, {preferred_product}, {phone}",
			},
			customer: &models.Customer{
				ID:               1,
				FirstName:        "Eve",
				LastName:         "Mwangi",
				Location:         "Mombasa",
				PreferredProduct: "Laptop",
				Phone:            "+254712345678",
			},
			overrideTemplate: nil,
			wantMessage:      "Eve Mwangi, Mombasa, Laptop, +254712345678",
			wantTemplate:     "{first_name} {last_name}, {location}, {preferred_product}, {phone}",
			wantErr:          false,
		},
		{
			name: "special characters in customer data",
			campaign: &models.Campaign{
				ID:      1,
				Message: "Hello {first_name}!",
			},
			customer: &models.Customer{
				ID:        1,
				FirstName: "O'Brien",
			},
			overrideTemplate: nil,
			wantMessage:      "Hello O'Brien!",
			wantTemplate:     "Hello {first_name}!",
			wantErr:          false,
		},
		{
			name: "unicode characters",
			campaign: &models.Campaign{
				ID:      1,
				Message: "مرحبا {first_name}",
			},
			customer: &models.Customer{
				ID:        1,
				FirstName: "محمد",
			},
			overrideTemplate: nil,
			wantMessage:      "مرحبا محمد",
			wantTemplate:     "مرحبا {first_name}",
			wantErr:          false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup mocks
			mockCampaignRepo := &mockCampaignRepository{
				campaigns: []*models.Campaign{tt.campaign},
			}

			mockCustomerRepo := &mockCustomerRepository{
				customers: map[int64]*models.Customer{
					tt.customer.ID: tt.customer,
				},
			}

			templateSvc := NewTemplateService()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

			svc := &campaignService{
				campaignRepo: mockCampaignRepo,
				customerRepo: mockCustomerRepo,
				templateSvc:  templateSvc,
				logger:       logger,
			}

			// Create request
			req := &PreviewRequest{
				CustomerID:       tt.customer.ID,
				OverrideTemplate: tt.overrideTemplate,
			}

			// Test
			result, err := svc.PreviewPersonalized(context.Background(), tt.campaign.ID, req)

			if (err != nil) != tt.wantErr {
				t.Errorf("PreviewPersonalized() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err != nil {
				return
			}

			// Verify rendered message
			if result.RenderedMessage != tt.wantMessage {
				t.Errorf("RenderedMessage = %v, want %v", result.RenderedMessage, tt.wantMessage)
			}

			// Verify used template
			if result.UsedTemplate != tt.wantTemplate {
				t.Errorf("UsedTemplate = %v, want %v", result.UsedTemplate, tt.wantTemplate)
			}

			// Verify customer data (should only have id and first_name)
			if result.Customer.ID != tt.customer.ID {
				t.Errorf("Customer.ID = %v, want %v", result.Customer.ID, tt.customer.ID)
			}
			if result.Customer.FirstName != tt.customer.FirstName {
				t.Errorf("Customer.FirstName = %v, want %v", result.Customer.FirstName, tt.customer.FirstName)
			}
		})
	}
}

func TestCampaignService_PreviewPersonalized_Errors(t *testing.T) {
	tests := []struct {
		name         string
		campaignID   int64
		customerID   int64
		setupMocks   func() (*mockCampaignRepository, *mockCustomerRepository)
		wantErrType  string
	}{
		{
			name:       "campaign not found",
			campaignID: 999,
			customerID: 1,
			setupMocks: func() (*mockCampaignRepository, *mockCustomerRepository) {
				return &mockCampaignRepository{
						campaigns: []*models.Campaign{},
					}, &mockCustomerRepository{
						customers: map[int64]*models.Customer{
							1: {ID: 1, FirstName: "Alice"},
						},
					}
			},
			wantErrType: "not_found",
		},
		{
			name:       "customer not found",
			campaignID: 1,
			customerID: 999,
			setupMocks: func() (*mockCampaignRepository, *mockCustomerRepository) {
				return &mockCampaignRepository{
						campaigns: []*models.Campaign{
							{ID: 1, Message: "test"},
						},
					}, &mockCustomerRepository{
						customers: map[int64]*models.Customer{},
					}
			},
			wantErrType: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCampaignRepo, mockCustomerRepo := tt.setupMocks()

			svc := &campaignService{
				campaignRepo: mockCampaignRepo,
				customerRepo: mockCustomerRepo,
				templateSvc:  NewTemplateService(),
				logger:       slog.New(slog.NewJSONHandler(os.Stdout, nil)),
			}

			req := &PreviewRequest{
				CustomerID: tt.customerID,
			}

			_, err := svc.PreviewPersonalized(context.Background(), tt.campaignID, req)

			if err == nil {
				t.Errorf("PreviewPersonalized() error = nil, want error")
				return
			}

			// Check error type
			if tt.wantErrType == "not_found" {
				var appErr *models.AppError
				if !errors.As(err, &appErr) || appErr.Code != "NOT_FOUND" {
					t.Errorf("PreviewPersonalized() error type = %T, want AppError with NOT_FOUND code", err)
				}
			}
		})
	}
}

// Helper function to create string pointers
func stringPtr(s string) *string {
	return &s
}

// mockCampaignRepository serves campaigns from a slice; unused methods panic
type mockCampaignRepository struct {
	repository.CampaignRepository
	campaigns []*models.Campaign
}

func (m *mockCampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	for _, c := range m.campaigns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("campaign not found")
}

// mockCustomerRepository serves customers from a map; unused methods panic
type mockCustomerRepository struct {
	repository.CustomerRepository
	customers map[int64]*models.Customer
}

func (m *mockCustomerRepository) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	customer, ok := m.customers[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("customer not found")
	}
	return customer, nil
}

func TestCampaignService_PreviewPersonalized_FollowUpStep(t *testing.T) {
	campaign := &models.Campaign{
		ID:      1,
		Channel: models.ChannelEmail,
		Message: "Hi {first_name}",
		Subject: "News for {first_name}",
		FollowUps: []models.FollowUpStep{
			{Ordinal: 0, Message: "Still thinking about {preferred_product}?", Condition: models.ConditionNoReply},
			{Ordinal: 1, Message: "Last call, {first_name}", Subject: "Final reminder", Condition: models.ConditionAlways},
		},
	}
	customer := &models.Customer{ID: 7, FirstName: "Amina", PreferredProduct: "Tea", Email: "amina@example.com"}

	svc := &campaignService{
		campaignRepo: &mockCampaignRepository{campaigns: []*models.Campaign{campaign}},
		customerRepo: &mockCustomerRepository{customers: map[int64]*models.Customer{7: customer}},
		templateSvc:  NewTemplateService(),
		logger:       slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	tests := []struct {
		name        string
		step        *int
		wantMessage string
		wantSubject string
		wantErr     bool
	}{
		{name: "primary by default", step: nil, wantMessage: "Hi Amina", wantSubject: "News for Amina"},
		{name: "first follow-up inherits subject", step: intPtr(0), wantMessage: "Still thinking about Tea?", wantSubject: "News for Amina"},
		{name: "follow-up with own subject", step: intPtr(1), wantMessage: "Last call, Amina", wantSubject: "Final reminder"},
		{name: "explicit primary", step: intPtr(models.PrimaryStep), wantMessage: "Hi Amina", wantSubject: "News for Amina"},
		{name: "step out of range", step: intPtr(2), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.PreviewPersonalized(context.Background(), 1, &PreviewRequest{CustomerID: 7, Step: tt.step})
			if (err != nil) != tt.wantErr {
				t.Fatalf("PreviewPersonalized() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if result.RenderedMessage != tt.wantMessage {
				t.Errorf("RenderedMessage = %q, want %q", result.RenderedMessage, tt.wantMessage)
			}
			if result.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", result.Subject, tt.wantSubject)
			}
		})
	}
}

func intPtr(i int) *int {
	return &i
}
