package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Chat          *ChatHandler
	Stream        *StreamHandler
	Conversations *ConversationHandler
	Documents     *DocumentHandler
	Projects      *ProjectHandler
	Images        *ImageHandler
}

// RouterConfig holds the middleware settings.
type RouterConfig struct {
	Auth              middleware.AuthConfig
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP router.
func NewRouter(h Handlers, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/user", h.Chat.User)
		r.Get("/models", h.Chat.Models)
		r.Post("/chat", h.Chat.Chat)
		r.Post("/chat/stream", h.Stream.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.Conversations.List)
			r.Get("/{id}/messages", h.Conversations.Messages)
			r.Delete("/{id}", h.Conversations.Delete)
		})

		r.Post("/docs/upload", h.Documents.Upload)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", h.Projects.Create)
			r.Get("/", h.Projects.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Projects.Get)
				r.Put("/", h.Projects.Update)
				r.Delete("/", h.Projects.Delete)
				r.Post("/upload", h.Documents.UploadProject)
			})
		})

		r.Route("/images", func(r chi.Router) {
			r.Post("/ocr", h.Images.OCR)
			r.Post("/generate", h.Images.Generate)
		})
	})

	return r
}
