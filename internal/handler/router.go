package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	personaHandler "github.com/zhouzirui/pitchroom/backend/internal/handler/persona"
	realtimeHandler "github.com/zhouzirui/pitchroom/backend/internal/handler/realtime"
	simulationHandler "github.com/zhouzirui/pitchroom/backend/internal/handler/simulation"
	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/pitchroom/backend/internal/middleware"
	personaModel "github.com/zhouzirui/pitchroom/backend/internal/model/persona"
	"github.com/zhouzirui/pitchroom/backend/internal/service/realtime"
	"github.com/zhouzirui/pitchroom/backend/internal/service/simulation"
	"github.com/zhouzirui/pitchroom/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(personas personaModel.Store, simSvc *simulation.Service, live realtime.Deps, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		count := 0
		if live.Registry != nil {
			count = live.Registry.Count()
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{"status": "ok", "liveSessions": count})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(api chi.Router) {
		personaHandler.New(personas).RegisterRoutes(api)
		simulationHandler.New(simSvc).RegisterRoutes(api)
		realtimeHandler.New(simSvc, live).RegisterRoutes(api)
	})

	return r
}
