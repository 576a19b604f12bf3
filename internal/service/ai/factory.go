package ai

import (
	"context"

	"github.com/voicefleet/agentdesk/backend/internal/config"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
)

// NewGeneratorFromConfig 按 AI_PROVIDER 选择后端；未配置凭证时进入 mock 模式。
func NewGeneratorFromConfig(ctx context.Context, cfg config.AIConfig) (*Generator, error) {
	log := logging.WithComponent("generator")
	opts := Options{MaxReplyChars: cfg.MaxReplyChars, HistoryLimit: cfg.HistoryLimit, Timeout: cfg.Timeout}

	if !cfg.Enabled() {
		log.Warn().Msg("no language model credentials configured, replies come from the mock pool")
		return NewGenerator(nil, opts), nil
	}

	useGemini := cfg.Provider == "gemini" || (cfg.Provider == "auto" && !cfg.ArkEnabled())
	if useGemini {
		backend, err := NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		log.Info().Str("model", cfg.GeminiModel).Msg("gemini backend ready")
		return NewGenerator(backend, opts), nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	backend, err := NewEinoBackend(ctx, "ark", chatModel)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", cfg.Model).Msg("ark backend ready")
	return NewGenerator(backend, opts), nil
}
