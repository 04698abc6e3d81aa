package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handlers groups the HTTP handlers served by the API
type Handlers struct {
	Campaigns *CampaignHandler
	Webhooks  *WebhookHandler
	Health    *HealthHandler
}

// NewRouter wires middleware and routes
func NewRouter(h Handlers, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health.Health)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.Campaigns.CreateCampaign)
		r.Get("/", h.Campaigns.ListCampaigns)
		r.Get("/{id}", h.Campaigns.GetCampaign)
		r.Patch("/{id}", h.Campaigns.UpdateCampaign)
		r.Delete("/{id}", h.Campaigns.DeleteCampaign)
		r.Post("/{id}/send", h.Campaigns.SendCampaign)
		r.Post("/{id}/duplicate", h.Campaigns.DuplicateCampaign)
		r.Get("/{id}/analytics", h.Campaigns.GetAnalytics)
		r.Post("/{id}/preview", h.Campaigns.PreviewCampaign)
	})

	r.Get("/segments", h.Campaigns.ListSegments)

	r.Post("/webhooks/events", h.Webhooks.ReceiveEvents)
	r.Get("/track/open", h.Webhooks.TrackOpen)

	return r
}
