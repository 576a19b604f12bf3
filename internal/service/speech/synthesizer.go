package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
)

// SynthesisRequest is what a synthesizer backend receives.
// Markup is MarkupWrapped only when the backend reported SSML support.
type SynthesisRequest struct {
	Text   string
	Markup model.Markup
	Voice  model.VoiceParams
}

// SynthesizerBackend 语音合成服务提供方。
type SynthesizerBackend interface {
	Name() string
	SupportsSSML() bool
	Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error)
}

// Synthesizer 在后端之上施加超时、SSML 包装与空音频校验。
type Synthesizer struct {
	backend  SynthesizerBackend
	timeout  time.Duration
	defaults model.VoiceParams
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewSynthesizer wraps backend; defaults fill voice fields a caller leaves zero.
func NewSynthesizer(backend SynthesizerBackend, timeout time.Duration, defaults model.VoiceParams, m *metrics.Metrics) *Synthesizer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Synthesizer{
		backend:  backend,
		timeout:  timeout,
		defaults: defaults,
		metrics:  m,
		log:      logging.WithComponent("synthesizer"),
	}
}

// Backend 返回底层后端名称。
func (s *Synthesizer) Backend() string {
	return s.backend.Name()
}

// Synthesize renders text to audio. It never returns empty audio without an error.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice model.VoiceParams, markup model.Markup) (model.AudioArtifact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.AudioArtifact{}, s.fail(errors.New("text is empty"))
	}

	req := SynthesisRequest{Text: text, Markup: model.PlainText, Voice: s.resolveVoice(voice)}
	if markup == model.MarkupWrapped && s.backend.SupportsSSML() {
		req.Text = WrapSSML(text, req.Voice.Language)
		req.Markup = model.MarkupWrapped
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		art model.AudioArtifact
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		art, err := s.backend.Synthesize(ctx, req)
		done <- outcome{art: art, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return model.AudioArtifact{}, s.fail(o.err)
		}
		if o.art.Empty() {
			return model.AudioArtifact{}, s.fail(errors.New("backend returned empty audio"))
		}
		return o.art, nil
	case <-ctx.Done():
		return model.AudioArtifact{}, s.fail(fmt.Errorf("timed out after %s: %w", s.timeout, ctx.Err()))
	}
}

// Transcoder converts synthesized audio into a delivery format.
type Transcoder interface {
	Transcode(ctx context.Context, in model.AudioArtifact, target model.Target) (model.AudioArtifact, error)
}

// SynthesizeFor synthesizes plain text and converts it to target, e.g. 8 kHz μ-law for calls.
func (s *Synthesizer) SynthesizeFor(ctx context.Context, tr Transcoder, text string, voice model.VoiceParams, target model.Target) (model.AudioArtifact, error) {
	art, err := s.Synthesize(ctx, text, voice, model.PlainText)
	if err != nil {
		return model.AudioArtifact{}, err
	}
	out, err := tr.Transcode(ctx, art, target)
	if err != nil {
		return model.AudioArtifact{}, s.fail(err)
	}
	return out, nil
}

func (s *Synthesizer) resolveVoice(v model.VoiceParams) model.VoiceParams {
	if v.VoiceID == "" {
		v.VoiceID = s.defaults.VoiceID
	}
	if v.Stability == 0 {
		v.Stability = s.defaults.Stability
	}
	if v.SimilarityBoost == 0 {
		v.SimilarityBoost = s.defaults.SimilarityBoost
	}
	if v.Language == "" {
		v.Language = s.defaults.Language
	}
	return v
}

func (s *Synthesizer) fail(err error) error {
	s.metrics.RecordSynthesisFailure(s.backend.Name())
	s.log.Warn().Err(err).Str("backend", s.backend.Name()).Msg("synthesis failed")
	return &SynthesisError{Backend: s.backend.Name(), Err: err}
}

var ssmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// EscapeSSML escapes the XML special characters in text.
func EscapeSSML(text string) string {
	return ssmlEscaper.Replace(text)
}

// WrapSSML 转义后包装为 <speak> 文档。
func WrapSSML(text, language string) string {
	var b strings.Builder
	b.WriteString("<speak")
	if language != "" {
		b.WriteString(` xml:lang="`)
		b.WriteString(EscapeSSML(language))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	b.WriteString(EscapeSSML(text))
	b.WriteString("</speak>")
	return b.String()
}
