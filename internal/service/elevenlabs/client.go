package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/config"
	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
)

var (
	// ErrNotConfigured 未提供 API key。
	ErrNotConfigured = errors.New("elevenlabs api key is not configured")
	// ErrInvalidRequest wraps every validation failure raised before the network call.
	ErrInvalidRequest = errors.New("invalid elevenlabs request")
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs status %d: %s", e.Status, e.Body)
}

// Client 托管智能体与音色目录的 REST 客户端。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a client from config; a nil httpClient gets a 60s default.
func NewClient(cfg config.ElevenLabsConfig, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    base,
		httpClient: httpClient,
		log:        logging.WithComponent("elevenlabs"),
	}
}

// Enabled reports whether calls can reach the platform.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read elevenlabs response: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("elevenlabs call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256] + "..."
		}
		return &APIError{Status: resp.StatusCode, Body: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode elevenlabs response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

// ProvisionedAgent 平台侧的智能体。
type ProvisionedAgent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type agentPrompt struct {
	Prompt string `json:"prompt"`
}

type agentSection struct {
	Prompt       agentPrompt `json:"prompt"`
	FirstMessage string      `json:"first_message,omitempty"`
	Language     string      `json:"language,omitempty"`
}

type ttsSection struct {
	VoiceID         string  `json:"voice_id,omitempty"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type agentBody struct {
	Name               string `json:"name"`
	ConversationConfig struct {
		Agent agentSection `json:"agent"`
		TTS   ttsSection   `json:"tts"`
	} `json:"conversation_config"`
}

func buildAgentBody(a agent.Agent) (agentBody, error) {
	if strings.TrimSpace(a.Name) == "" {
		return agentBody{}, fmt.Errorf("%w: agent name is required", ErrInvalidRequest)
	}
	if a.Stability < 0 || a.Stability > 1 || a.SimilarityBoost < 0 || a.SimilarityBoost > 1 {
		return agentBody{}, fmt.Errorf("%w: stability and similarity must be within [0,1]", ErrInvalidRequest)
	}
	var body agentBody
	body.Name = strings.TrimSpace(a.Name)
	body.ConversationConfig.Agent = agentSection{
		Prompt:       agentPrompt{Prompt: a.SystemPrompt},
		FirstMessage: a.FirstMessage,
		Language:     languageBase(a.Language),
	}
	body.ConversationConfig.TTS = ttsSection{
		VoiceID:         a.VoiceID,
		Stability:       a.Stability,
		SimilarityBoost: a.SimilarityBoost,
	}
	return body, nil
}

// CreateAgent provisions a hosted conversational agent and returns its id.
func (c *Client) CreateAgent(ctx context.Context, a agent.Agent) (string, error) {
	body, err := buildAgentBody(a)
	if err != nil {
		return "", err
	}
	var out ProvisionedAgent
	if err := c.doJSON(ctx, http.MethodPost, "/v1/convai/agents/create", body, &out); err != nil {
		return "", err
	}
	if out.AgentID == "" {
		return "", fmt.Errorf("elevenlabs create agent: empty agent_id")
	}
	c.log.Info().Str("agent_id", out.AgentID).Str("name", body.Name).Msg("agent provisioned")
	return out.AgentID, nil
}

// UpdateAgent pushes the local configuration to an existing hosted agent.
func (c *Client) UpdateAgent(ctx context.Context, providerID string, a agent.Agent) error {
	if strings.TrimSpace(providerID) == "" {
		return fmt.Errorf("%w: provider agent id is required", ErrInvalidRequest)
	}
	body, err := buildAgentBody(a)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPatch, "/v1/convai/agents/"+url.PathEscape(providerID), body, nil)
}

// DeleteAgent 删除托管智能体。
func (c *Client) DeleteAgent(ctx context.Context, providerID string) error {
	if strings.TrimSpace(providerID) == "" {
		return fmt.Errorf("%w: provider agent id is required", ErrInvalidRequest)
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/convai/agents/"+url.PathEscape(providerID), nil, nil)
}

// ListAgents 列出平台上的智能体。
func (c *Client) ListAgents(ctx context.Context) ([]ProvisionedAgent, error) {
	var out struct {
		Agents []ProvisionedAgent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/convai/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func languageBase(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}
