package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	AllowedOrigins []string
	// FrontendPath, when set, is served at / as static files.
	FrontendPath string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(corsOptions(cfg.AllowedOrigins)))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthcheck", h.Healthcheck)
		r.Post("/new_user", h.NewUser)
		r.Post("/new_conversation", h.NewConversation)
		r.Post("/chat", h.Chat)
		r.Get("/conversations/{id}", h.ListConversations)
		r.Get("/conversations/{id}/messages", h.ListMessages)
	})

	if cfg.FrontendPath != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.FrontendPath)))
	}

	return r
}

// corsOptions allows credentialed requests. A "*" origin echoes the caller's
// origin, since browsers reject a literal wildcard together with credentials.
func corsOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
		return opts
	}
	opts.AllowedOrigins = origins
	return opts
}
