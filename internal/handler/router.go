package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecosense/ecosense/backend/internal/handler/ws"
	middlewarePkg "github.com/ecosense/ecosense/backend/internal/middleware"
	"github.com/ecosense/ecosense/backend/internal/service/registry"
	"github.com/ecosense/ecosense/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the realtime gateway.
func NewRouter(wsHandler *ws.Handler, reg *registry.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"sessions": reg.Len(),
			})
		})
	})

	// Upgrade endpoint lives at the root so the frontend connects to /ws.
	wsHandler.RegisterRoutes(r)

	return r
}
