package telephony

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	telsvc "github.com/voicefleet/agentdesk/backend/internal/service/telephony"
	"github.com/voicefleet/agentdesk/backend/internal/service/telephony/mediastream"
	"github.com/voicefleet/agentdesk/backend/pkg/utils"
)

// Calls is the call registry surface the handler needs; *telephony.Manager implements it.
type Calls interface {
	telsvc.CallControl
	List() []telsvc.CallInfo
	Get(id string) (telsvc.CallInfo, bool)
}

// Handler 电话呼叫的 HTTP / WebSocket 入口。
type Handler struct {
	calls          Calls
	defaultAgent   string
	streamInterval time.Duration
	upgrader       websocket.Upgrader
	log            zerolog.Logger
}

// New builds the handler; agentID answers media streams that name no agent.
func New(calls Calls, agentID string) *Handler {
	return &Handler{
		calls:          calls,
		defaultAgent:   agentID,
		streamInterval: 2 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logging.WithComponent("telephony-handler"),
	}
}

// RegisterRoutes 注册电话相关路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/telephony", func(tr chi.Router) {
		tr.Get("/calls", h.handleList)
		tr.Get("/calls/stream", h.handleStream)
		tr.Get("/calls/{callID}", h.handleGet)
		tr.Delete("/calls/{callID}", h.handleHangup)
		tr.Get("/media", h.handleMedia)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	calls := h.calls.List()
	if calls == nil {
		calls = []telsvc.CallInfo{}
	}
	utils.RespondJSON(w, http.StatusOK, calls)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := h.calls.Get(chi.URLParam(r, "callID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "call not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

func (h *Handler) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := h.calls.Hangup(callID, "operator"); err != nil {
		if errors.Is(err, telsvc.ErrCallNotFound) {
			utils.RespondError(w, http.StatusNotFound, "call not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream pushes the active call list as Server-Sent Events until the client leaves.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	snapshot := func() error {
		calls := h.calls.List()
		if calls == nil {
			calls = []telsvc.CallInfo{}
		}
		return utils.SendSSEChunk(w, flusher, "calls", calls)
	}
	if err := snapshot(); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := snapshot(); err != nil {
				return
			}
		}
	}
}

// handleMedia upgrades to a media-stream socket and hands it to the call manager.
func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		agentID = h.defaultAgent
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("media stream upgrade failed")
		return
	}
	if err := mediastream.Serve(r.Context(), conn, h.calls, mediastream.Options{AgentID: agentID}); err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("media stream ended with error")
	}
}
