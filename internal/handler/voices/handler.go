package voices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/service/elevenlabs"
	"github.com/voicefleet/agentdesk/backend/pkg/utils"
)

// Catalog 音色目录；*elevenlabs.Client 实现该接口。
type Catalog interface {
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	CloneVoice(ctx context.Context, req elevenlabs.CloneRequest) (string, error)
}

// Handler 音色相关的HTTP处理器
type Handler struct {
	catalog Catalog
	log     zerolog.Logger
}

// New 创建音色处理器
func New(catalog Catalog) *Handler {
	return &Handler{catalog: catalog, log: logging.WithComponent("voices-handler")}
}

// RegisterRoutes 注册音色相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voices", h.handleList)
	r.Post("/voices/clone", h.handleClone)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	voices, err := h.catalog.ListVoices(r.Context())
	if err != nil {
		h.respondUpstreamError(w, err)
		return
	}
	if voices == nil {
		voices = []elevenlabs.Voice{}
	}
	utils.RespondJSON(w, http.StatusOK, voices)
}

// handleClone accepts multipart name, description and up to five "files".
func (h *Handler) handleClone(w http.ResponseWriter, r *http.Request) {
	const maxBody = elevenlabs.MaxCloneSamples*elevenlabs.MaxCloneFileBytes + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 || len(files) > elevenlabs.MaxCloneSamples {
		utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("between 1 and %d audio files are required", elevenlabs.MaxCloneSamples))
		return
	}

	req := elevenlabs.CloneRequest{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	for _, fh := range files {
		if fh.Size > elevenlabs.MaxCloneFileBytes {
			utils.RespondError(w, http.StatusBadRequest, fmt.Sprintf("file %q exceeds 10MB", fh.Filename))
			return
		}
		f, err := fh.Open()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		req.Samples = append(req.Samples, elevenlabs.Sample{Filename: fh.Filename, Data: data})
	}

	voiceID, err := h.catalog.CloneVoice(r.Context(), req)
	if err != nil {
		h.respondUpstreamError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"voiceId": voiceID, "name": req.Name})
}

func (h *Handler) respondUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, elevenlabs.ErrInvalidRequest):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, elevenlabs.ErrNotConfigured):
		utils.RespondError(w, http.StatusServiceUnavailable, "voice catalogue is not configured")
	default:
		h.log.Warn().Err(err).Msg("voice catalogue call failed")
		utils.RespondError(w, http.StatusBadGateway, "voice catalogue unavailable")
	}
}
