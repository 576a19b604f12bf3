package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
)

// DefaultElevenLabsFormat is the highest fidelity MP3 rendition ElevenLabs offers.
const DefaultElevenLabsFormat = "mp3_44100_192"

// ElevenLabsSynthesizer ElevenLabs REST 合成后端。
type ElevenLabsSynthesizer struct {
	apiKey       string
	baseURL      string
	modelID      string
	outputFormat string
	httpClient   *http.Client
}

// ElevenLabsOptions 构造参数。
type ElevenLabsOptions struct {
	APIKey       string
	BaseURL      string
	ModelID      string
	OutputFormat string
	HTTPClient   *http.Client
}

// NewElevenLabsSynthesizer 创建 ElevenLabs 后端。
func NewElevenLabsSynthesizer(opts ElevenLabsOptions) *ElevenLabsSynthesizer {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	format := opts.OutputFormat
	if format == "" {
		format = DefaultElevenLabsFormat
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = "eleven_multilingual_v2"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ElevenLabsSynthesizer{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      base,
		modelID:      modelID,
		outputFormat: format,
		httpClient:   client,
	}
}

func (e *ElevenLabsSynthesizer) Name() string       { return "elevenlabs" }
func (e *ElevenLabsSynthesizer) SupportsSSML() bool { return false }

type elevenLabsTTSBody struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id,omitempty"`
	LanguageCode  string `json:"language_code,omitempty"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

// Synthesize 调用 /v1/text-to-speech/{voice}。
func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error) {
	if e.apiKey == "" {
		return model.AudioArtifact{}, fmt.Errorf("elevenlabs api key is required")
	}
	voiceID := strings.TrimSpace(req.Voice.VoiceID)
	if voiceID == "" {
		return model.AudioArtifact{}, fmt.Errorf("voice id is required")
	}

	body := elevenLabsTTSBody{Text: req.Text, ModelID: e.modelID, LanguageCode: languageBase(req.Voice.Language)}
	body.VoiceSettings.Stability = req.Voice.Stability
	body.VoiceSettings.SimilarityBoost = req.Voice.SimilarityBoost
	payload, err := json.Marshal(body)
	if err != nil {
		return model.AudioArtifact{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		e.baseURL, url.PathEscape(voiceID), url.QueryEscape(e.outputFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.AudioArtifact{}, err
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return model.AudioArtifact{}, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.AudioArtifact{}, fmt.Errorf("read elevenlabs audio: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.AudioArtifact{}, fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, excerpt(data, 256))
	}

	return model.AudioArtifact{
		Data:       data,
		MimeType:   model.ContainerMP3.MimeType(),
		Container:  model.ContainerMP3,
		SampleRate: sampleRateFromFormat(e.outputFormat),
	}, nil
}

// sampleRateFromFormat parses "mp3_44100_192" style format names.
func sampleRateFromFormat(format string) int {
	parts := strings.Split(format, "_")
	if len(parts) < 2 {
		return 0
	}
	var rate int
	fmt.Sscanf(parts[1], "%d", &rate)
	return rate
}

func languageBase(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}

func excerpt(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
