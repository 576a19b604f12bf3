package speech

import (
	"context"
	"fmt"

	"github.com/voicefleet/agentdesk/backend/internal/config"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
)

// NewRecognizerFromConfig 按 SPEECH_STT_PROVIDER 选择识别后端。
// A provider whose credentials are missing degrades to the mock backend with a warning.
func NewRecognizerFromConfig(ctx context.Context, cfg config.SpeechConfig, m *metrics.Metrics) (*Recognizer, error) {
	log := logging.WithComponent("speech")

	var backend RecognizerBackend
	switch cfg.STTProvider {
	case "google":
		g, err := NewGoogleRecognizer(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("google stt unavailable, using mock recognizer")
			backend = &MockRecognizer{}
			break
		}
		backend = g
	case "volcengine":
		if !cfg.VolcengineEnabled() {
			log.Warn().Msg("volcengine credentials missing, using mock recognizer")
			backend = &MockRecognizer{}
			break
		}
		backend = NewVolcengineRecognizer(VolcengineCredentials{AppID: cfg.AppID, AccessToken: cfg.AccessToken})
	case "mock", "":
		backend = &MockRecognizer{}
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
	}

	log.Info().Str("backend", backend.Name()).Msg("recognizer ready")
	return NewRecognizer(backend, cfg.STTTimeout, m), nil
}

// NewSynthesizerFromConfig 按 SPEECH_TTS_PROVIDER 选择合成后端。
func NewSynthesizerFromConfig(ctx context.Context, cfg config.SpeechConfig, m *metrics.Metrics) (*Synthesizer, error) {
	log := logging.WithComponent("speech")
	defaults := model.VoiceParams{
		VoiceID:         cfg.ElevenLabsVoiceID,
		Stability:       cfg.Stability,
		SimilarityBoost: cfg.SimilarityBoost,
		Language:        cfg.Language,
	}

	var backend SynthesizerBackend
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			log.Warn().Msg("ELEVENLABS_API_KEY missing, using mock synthesizer")
			backend = MockSynthesizer{}
			break
		}
		backend = NewElevenLabsSynthesizer(ElevenLabsOptions{
			APIKey:  cfg.ElevenLabsAPIKey,
			BaseURL: cfg.ElevenLabsBaseURL,
			ModelID: cfg.ElevenLabsModelID,
		})
	case "google":
		g, err := NewGoogleSynthesizer(ctx, cfg.GoogleTTSVoiceName)
		if err != nil {
			log.Warn().Err(err).Msg("google tts unavailable, using mock synthesizer")
			backend = MockSynthesizer{}
			break
		}
		defaults.VoiceID = cfg.GoogleTTSVoiceName
		backend = g
	case "volcengine":
		if !cfg.VolcengineEnabled() {
			log.Warn().Msg("volcengine credentials missing, using mock synthesizer")
			backend = MockSynthesizer{}
			break
		}
		defaults.VoiceID = cfg.TTSVoice
		backend = NewVolcengineSynthesizer(VolcengineCredentials{AppID: cfg.AppID, AccessToken: cfg.AccessToken}, cfg.TTSVoice)
	case "mock", "":
		backend = MockSynthesizer{}
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}

	log.Info().Str("backend", backend.Name()).Msg("synthesizer ready")
	return NewSynthesizer(backend, cfg.TTSTimeout, defaults, m), nil
}
