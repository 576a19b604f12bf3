package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	speechsvc "github.com/voicefleet/agentdesk/backend/internal/service/speech"
	"github.com/voicefleet/agentdesk/backend/pkg/utils"
)

// UpdateHeader carries base64(JSON conversation.Update) alongside binary audio replies.
const UpdateHeader = "X-Conversation-Update"

const maxUploadBytes = 32 << 20

// Handler 语音对话的 HTTP 处理器
type Handler struct {
	turns orchestrator.TurnProcessor
	store memory.Store
	ws    *WebSocketHandler
	log   zerolog.Logger
}

// New 创建语音处理器
func New(turns orchestrator.TurnProcessor, store memory.Store) *Handler {
	return &Handler{
		turns: turns,
		store: store,
		ws:    NewWebSocketHandler(turns),
		log:   logging.WithComponent("voice-handler"),
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/voice", func(vr chi.Router) {
		vr.Post("/process", h.handleProcess)

		vr.Get("/sessions", h.handleListSessions)
		vr.Delete("/sessions", h.handleClearSessions)
		vr.Get("/sessions/{sessionID}", h.handleGetSession)
		vr.Delete("/sessions/{sessionID}", h.handleResetSession)

		h.ws.RegisterWebSocketRoutes(vr)
	})
}

type processResponse struct {
	SessionID  string              `json:"sessionId"`
	Transcript string              `json:"transcript"`
	Reply      string              `json:"reply"`
	Status     string              `json:"status"`
	History    []conversation.Turn `json:"history,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}
	if len(data) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	req := orchestrator.TurnRequest{
		SessionID: strings.TrimSpace(r.FormValue("sessionId")),
		Language:  strings.TrimSpace(r.FormValue("language")),
		AgentID:   strings.TrimSpace(r.FormValue("agentId")),
		Audio:     uploadArtifact(data, header.Header.Get("Content-Type"), header.Filename),
		Mode:      orchestrator.ModePushToTalk,
	}

	if raw := strings.TrimSpace(r.FormValue("history")); raw != "" {
		var history []conversation.Turn
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "history must be a JSON array of turns")
			return
		}
		if err := conversation.ValidateTurns(history); err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if history == nil {
			history = []conversation.Turn{}
		}
		req.History = history
	}

	wantAudio := wantsAudio(r)
	req.SkipSynthesis = !wantAudio

	res, err := h.turns.ProcessTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		status := statusFor(err)
		h.log.Warn().Err(err).Str("session_id", res.SessionID).Int("status", status).Msg("voice turn failed")
		utils.RespondJSON(w, status, processResponse{
			SessionID:  res.SessionID,
			Transcript: res.Transcript,
			Reply:      res.Reply,
			Status:     string(res.Status),
			History:    res.Update.History,
			Error:      err.Error(),
		})
		return
	}

	if wantAudio && res.Status == orchestrator.TurnCompleted {
		h.respondAudio(w, res)
		return
	}

	utils.RespondJSON(w, http.StatusOK, processResponse{
		SessionID:  res.SessionID,
		Transcript: res.Transcript,
		Reply:      res.Reply,
		Status:     string(res.Status),
		History:    res.Update.History,
	})
}

func (h *Handler) respondAudio(w http.ResponseWriter, res orchestrator.TurnResult) {
	update, err := json.Marshal(res.Update)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to encode conversation update")
		return
	}
	mimeType := res.Audio.MimeType
	if mimeType == "" {
		mimeType = res.Audio.Container.MimeType()
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("X-Session-ID", res.SessionID)
	w.Header().Set(UpdateHeader, base64.StdEncoding.EncodeToString(update))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Audio.Data); err != nil {
		h.log.Debug().Err(err).Str("session_id", res.SessionID).Msg("client went away during audio reply")
	}
}

// uploadArtifact trusts the part's Content-Type first, then the file extension,
// then the leading magic bytes.
func uploadArtifact(data []byte, contentType, filename string) model.AudioArtifact {
	mimeType := contentType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(filepath.Ext(filename))
	}
	container := audio.ContainerFromMime(mimeType)
	if container == model.ContainerUnknown {
		container = audio.ContainerFromMime(filepath.Ext(filename))
	}
	if container == model.ContainerUnknown {
		container = audio.DetectContainer(data)
	}
	if mimeType == "" {
		mimeType = container.MimeType()
	}
	return model.AudioArtifact{
		Data:      data,
		MimeType:  mimeType,
		Container: container,
	}
}

func wantsAudio(r *http.Request) bool {
	switch strings.ToLower(r.FormValue("response")) {
	case "audio":
		return true
	case "json":
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "audio/mpeg")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrConversionFailed), errors.Is(err, speechsvc.ErrUnsupportedEncoding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, speechsvc.ErrRecognitionTimeout), errors.Is(err, ai.ErrModelTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, speechsvc.ErrRecognitionFailed), errors.Is(err, ai.ErrModelUnavailable),
		errors.Is(err, speechsvc.ErrSynthesisFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type sessionResponse struct {
	SessionID string              `json:"sessionId"`
	Turns     []conversation.Turn `json:"turns"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turns, err := h.store.Context(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{SessionID: sessionID, Turns: turns})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.Sessions(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []memory.SessionInfo{}
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.store.Reset(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	h.log.Info().Str("session_id", sessionID).Msg("session reset")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(r.Context()); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to clear sessions")
		return
	}
	h.log.Info().Msg("all sessions cleared")
	w.WriteHeader(http.StatusNoContent)
}
