package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/elevenlabs"
	"github.com/voicefleet/agentdesk/backend/pkg/utils"
)

// Provisioner mirrors agents onto the hosted voice-agent platform; *elevenlabs.Client implements it.
type Provisioner interface {
	Enabled() bool
	CreateAgent(ctx context.Context, a agent.Agent) (string, error)
	UpdateAgent(ctx context.Context, providerID string, a agent.Agent) error
	DeleteAgent(ctx context.Context, providerID string) error
}

// Handler 智能体服务的HTTP处理器
type Handler struct {
	agents      agent.Store
	provisioner Provisioner
	log         zerolog.Logger
}

// New 创建智能体处理器；provisioner 可以为空。
func New(agents agent.Store, provisioner Provisioner) *Handler {
	return &Handler{
		agents:      agents,
		provisioner: provisioner,
		log:         logging.WithComponent("agents-handler"),
	}
}

// RegisterRoutes 注册智能体相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(ar chi.Router) {
		ar.Get("/", h.handleList)
		ar.Post("/", h.handleCreate)
		ar.Get("/{agentID}", h.handleGet)
		ar.Put("/{agentID}", h.handleUpdate)
		ar.Delete("/{agentID}", h.handleDelete)
	})
}

// agentPayload 创建与更新请求体；nil 字段表示保持不变。
type agentPayload struct {
	Name            *string  `json:"name"`
	SystemPrompt    *string  `json:"systemPrompt"`
	FirstMessage    *string  `json:"firstMessage"`
	Language        *string  `json:"language"`
	VoiceID         *string  `json:"voiceId"`
	Stability       *float64 `json:"stability"`
	SimilarityBoost *float64 `json:"similarityBoost"`
	PhoneNumber     *string  `json:"phoneNumber"`
}

func (p agentPayload) apply(a *agent.Agent) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&a.Name, p.Name)
	set(&a.SystemPrompt, p.SystemPrompt)
	set(&a.FirstMessage, p.FirstMessage)
	set(&a.Language, p.Language)
	set(&a.VoiceID, p.VoiceID)
	set(&a.PhoneNumber, p.PhoneNumber)
	if p.Stability != nil {
		a.Stability = *p.Stability
	}
	if p.SimilarityBoost != nil {
		a.SimilarityBoost = *p.SimilarityBoost
	}
}

// agentResponse adds the media-stream endpoint callers dial into.
type agentResponse struct {
	agent.Agent
	Endpoint string `json:"endpoint"`
}

func present(a agent.Agent) agentResponse {
	return agentResponse{Agent: a, Endpoint: "/api/telephony/media?agentId=" + url.QueryEscape(a.ID)}
}

func validate(a agent.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return agent.ErrNameRequired
	}
	if a.Stability < 0 || a.Stability > 1 {
		return errors.New("stability must be within [0,1]")
	}
	if a.SimilarityBoost < 0 || a.SimilarityBoost > 1 {
		return errors.New("similarityBoost must be within [0,1]")
	}
	return nil
}

func (h *Handler) provisioning() bool {
	return h.provisioner != nil && h.provisioner.Enabled()
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	items := h.agents.List()
	out := make([]agentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, present(a))
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents.FindByID(chi.URLParam(r, "agentID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, agent.ErrNotFound.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, present(a))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload agentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a := agent.Agent{Language: "tr-TR", Stability: 0.5, SimilarityBoost: 0.75}
	payload.apply(&a)
	if err := validate(a); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.provisioning() {
		providerID, err := h.provisioner.CreateAgent(r.Context(), a)
		if err != nil {
			h.respondProvisionError(w, "create", err)
			return
		}
		a.ProviderAgentID = providerID
	}

	saved, err := h.agents.Save(a)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Info().Str("agent_id", saved.ID).Str("provider_id", saved.ProviderAgentID).Msg("agent created")
	utils.RespondJSON(w, http.StatusCreated, present(saved))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agents.FindByID(chi.URLParam(r, "agentID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, agent.ErrNotFound.Error())
		return
	}

	var payload agentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.apply(&a)
	if err := validate(a); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.provisioning() {
		if a.ProviderAgentID == "" {
			providerID, err := h.provisioner.CreateAgent(r.Context(), a)
			if err != nil {
				h.respondProvisionError(w, "create", err)
				return
			}
			a.ProviderAgentID = providerID
		} else if err := h.provisioner.UpdateAgent(r.Context(), a.ProviderAgentID, a); err != nil {
			h.respondProvisionError(w, "update", err)
			return
		}
	}

	saved, err := h.agents.Save(a)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, present(saved))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if id == agent.DefaultID {
		utils.RespondError(w, http.StatusConflict, "the default agent cannot be deleted")
		return
	}
	a, ok := h.agents.FindByID(id)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, agent.ErrNotFound.Error())
		return
	}

	if h.provisioning() && a.ProviderAgentID != "" {
		err := h.provisioner.DeleteAgent(r.Context(), a.ProviderAgentID)
		var apiErr *elevenlabs.APIError
		// 平台上已不存在时继续删除本地记录。
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound) {
			h.respondProvisionError(w, "delete", err)
			return
		}
	}

	if err := h.agents.Delete(id); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Info().Str("agent_id", id).Msg("agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondProvisionError(w http.ResponseWriter, op string, err error) {
	h.log.Warn().Err(err).Str("op", op).Msg("agent provisioning failed")
	if errors.Is(err, elevenlabs.ErrInvalidRequest) {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondError(w, http.StatusBadGateway, "agent provisioning failed: "+err.Error())
}
