package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers groups everything NewRouter mounts. Nil handlers leave their routes out.
type Handlers struct {
	Campaigns *CampaignHandler
	Customers *CustomerHandler
	Webhooks  *WebhookHandler
	Health    *HealthHandler
}

// NewRouter registers every route behind the standard middleware
func NewRouter(h Handlers, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))
	r.Use(CORSMiddleware)

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
	}

	if h.Campaigns != nil {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.Campaigns.CreateCampaign)
			r.Get("/", h.Campaigns.ListCampaigns)
			r.Get("/{id}", h.Campaigns.GetCampaign)
			r.Post("/{id}/launch", h.Campaigns.LaunchCampaign)
			r.Post("/{id}/pause", h.Campaigns.PauseCampaign)
			r.Post("/{id}/resume", h.Campaigns.ResumeCampaign)
			r.Post("/{id}/cancel", h.Campaigns.CancelCampaign)
			r.Get("/{id}/recipients", h.Campaigns.ListRecipients)
			r.Get("/{id}/attempts", h.Campaigns.ListAttempts)
			r.Post("/{id}/personalized-preview", h.Campaigns.PreviewPersonalized)
		})
	}

	if h.Customers != nil {
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.Customers.CreateCustomer)
			r.Get("/", h.Customers.ListCustomers)
			r.Get("/{id}", h.Customers.GetCustomer)
			r.Put("/{id}", h.Customers.UpdateCustomer)
		})
	}

	if h.Webhooks != nil {
		r.Post("/webhooks/delivery", h.Webhooks.Delivery)
		r.Post("/webhooks/reply", h.Webhooks.Reply)
		r.Post("/recipients/{id}/opt-out", h.Webhooks.OptOut)
	}

	return r
}
