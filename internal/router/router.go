package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/config"
	"github.com/dpserve/dpserve/internal/handlers"
	"github.com/dpserve/dpserve/internal/middleware"
	"github.com/dpserve/dpserve/internal/models"
	"github.com/dpserve/dpserve/internal/services/engine"
	"github.com/dpserve/dpserve/internal/services/timing"
)

// New wires the query surface. Every route below the auth middleware sees
// an authenticated user; query routes additionally pass the timing shaper
// so response latency is decoupled from the private data.
func New(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(cfg.Server.WriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Name"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Metrics)
	r.Use(middleware.Logger(logger))

	h := handlers.New(eng, logger)
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger)
	shaper := timing.NewShaper(cfg.Server.TimeAttack)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status": "ok"}`)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMW.Authenticate)

		r.Get("/state", h.State)

		// Metadata and budget reads.
		r.Post("/get_dataset_metadata", h.GetDatasetMetadata)
		r.Post("/get_dummy_dataset", h.GetDummyDataset)
		r.Post("/get_initial_budget", h.GetInitialBudget)
		r.Post("/get_total_spent_budget", h.GetTotalSpentBudget)
		r.Post("/get_remaining_budget", h.GetRemainingBudget)
		r.Post("/get_previous_queries", h.GetPreviousQueries)

		// Query routes release data derived from private rows, so their
		// timing is shaped.
		r.Group(func(r chi.Router) {
			r.Use(shaper.Middleware)
			for _, library := range models.Libraries {
				lib := library
				r.Post("/"+string(lib)+"_query", h.Query(lib))
				r.Post("/dummy_"+string(lib)+"_query", h.DummyQuery(lib))
				r.Post("/estimate_"+string(lib)+"_cost", h.EstimateCost(lib))
			}
		})
	})

	return r
}

// Server builds the http.Server for the query surface.
func Server(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.HostIP, cfg.Server.HostPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + 30*time.Second,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
