package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicefleet/agentdesk/backend/internal/handler/agents"
	"github.com/voicefleet/agentdesk/backend/internal/handler/telephony"
	"github.com/voicefleet/agentdesk/backend/internal/handler/voice"
	"github.com/voicefleet/agentdesk/backend/internal/handler/voices"
	middlewarePkg "github.com/voicefleet/agentdesk/backend/internal/middleware"
	agentModel "github.com/voicefleet/agentdesk/backend/internal/model/agent"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	"github.com/voicefleet/agentdesk/backend/pkg/utils"
)

// Services 路由依赖的核心服务。Calls、Provisioner、Catalog 可以为空。
type Services struct {
	Turns          orchestrator.TurnProcessor
	Store          memory.Store
	Agents         agentModel.Store
	Provisioner    agents.Provisioner
	Catalog        voices.Catalog
	Calls          telephony.Calls
	AllowedOrigins []string
	// Backends names the active recognizer, generator and synthesizer for /api/health.
	Backends map[string]string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.NewCORS(svc.AllowedOrigins))

	started := time.Now()

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			body := map[string]any{
				"status":   "ok",
				"uptime":   time.Since(started).Round(time.Second).String(),
				"backends": svc.Backends,
			}
			if svc.Calls != nil {
				body["activeCalls"] = len(svc.Calls.List())
			}
			utils.RespondJSON(w, http.StatusOK, body)
		})

		voice.New(svc.Turns, svc.Store).RegisterRoutes(api)
		agents.New(svc.Agents, svc.Provisioner).RegisterRoutes(api)

		if svc.Catalog != nil {
			voices.New(svc.Catalog).RegisterRoutes(api)
		}

		if svc.Calls != nil {
			telephony.New(svc.Calls, agentModel.DefaultID).RegisterRoutes(api)
		} else {
			api.HandleFunc("/telephony/*", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusNotImplemented, "telephony not available")
			})
		}
	})

	return r
}
