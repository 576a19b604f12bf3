package elevenlabs

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

// Clone limits.
const (
	MaxCloneSamples   = 5
	MaxCloneFileBytes = 10 << 20
)

// Voice 音色目录条目。
type Voice struct {
	VoiceID    string `json:"voiceId"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PreviewURL string `json:"previewUrl,omitempty"`
}

type apiVoice struct {
	VoiceID    string `json:"voice_id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PreviewURL string `json:"preview_url"`
}

// Sample is one uploaded recording for cloning.
type Sample struct {
	Filename string
	Data     []byte
}

// CloneRequest 克隆音色的请求。
type CloneRequest struct {
	Name        string
	Description string
	Samples     []Sample
}

// Validate checks the request without touching the network.
func (r CloneRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: voice name is required", ErrInvalidRequest)
	}
	if len(r.Samples) == 0 || len(r.Samples) > MaxCloneSamples {
		return fmt.Errorf("%w: between 1 and %d audio samples are required, got %d", ErrInvalidRequest, MaxCloneSamples, len(r.Samples))
	}
	for i, s := range r.Samples {
		if len(s.Data) == 0 {
			return fmt.Errorf("%w: sample %d is empty", ErrInvalidRequest, i+1)
		}
		if len(s.Data) > MaxCloneFileBytes {
			return fmt.Errorf("%w: sample %q exceeds 10MB", ErrInvalidRequest, s.Filename)
		}
	}
	return nil
}

// ListVoices returns the account's voice catalogue.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []apiVoice `json:"voices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/voices", nil, &out); err != nil {
		return nil, err
	}
	voices := make([]Voice, 0, len(out.Voices))
	for _, v := range out.Voices {
		voices = append(voices, Voice(v))
	}
	return voices, nil
}

// CloneVoice uploads the samples as an instant voice clone and returns the new voice id.
func (c *Client) CloneVoice(ctx context.Context, req CloneRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", strings.TrimSpace(req.Name)); err != nil {
		return "", err
	}
	if req.Description != "" {
		if err := mw.WriteField("description", req.Description); err != nil {
			return "", err
		}
	}
	for i, s := range req.Samples {
		name := s.Filename
		if name == "" {
			name = fmt.Sprintf("sample-%d", i+1)
		}
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			return "", err
		}
		if _, err := part.Write(s.Data); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/voices/add", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	if out.VoiceID == "" {
		return "", fmt.Errorf("elevenlabs clone voice: empty voice_id")
	}
	c.log.Info().Str("voice_id", out.VoiceID).Int("samples", len(req.Samples)).Msg("voice cloned")
	return out.VoiceID, nil
}
