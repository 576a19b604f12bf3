package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/events"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

// User-facing prompts for turns that never reached the language model.
const (
	NoMatchPrompt = "Sizi duyamadım, lütfen tekrar eder misiniz?"
	RetryPrompt   = "Sesinizi işleyemedim, lütfen tekrar deneyin."
)

// Transcoder converts uploads into the recognizer format.
type Transcoder interface {
	Transcode(ctx context.Context, in model.AudioArtifact, target model.Target) (model.AudioArtifact, error)
}

// Recognizer walks candidate encodings under one hard timeout.
type Recognizer interface {
	RecognizeCandidates(ctx context.Context, cands []speech.Candidate, language string, timeout time.Duration) (model.RecognitionResult, error)
}

// Generator produces the assistant reply.
type Generator interface {
	Generate(ctx context.Context, turns []conversation.Turn, userText, systemPrompt string, maxTokens int) (string, error)
}

// Synthesizer renders reply text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice model.VoiceParams, markup model.Markup) (model.AudioArtifact, error)
}

// EventPublisher receives turn lifecycle events.
type EventPublisher interface {
	PublishAsync(ev events.Event)
}

// TurnStatus 一轮对话的最终结果。
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnNoMatch   TurnStatus = "no_match"
	TurnFailed    TurnStatus = "failed"
)

// TurnRequest is one push-to-talk upload.
type TurnRequest struct {
	SessionID string
	Audio     model.AudioArtifact
	Language  string
	AgentID   string
	// History, when non-nil, is authoritative client state and replaces the stored transcript.
	History       []conversation.Turn
	Mode          Mode
	SkipSynthesis bool
	// OnStage is called as the turn enters each backend stage.
	OnStage func(State)
}

// TurnResult 一轮对话的输出。Reply 在失败时为面向用户的提示语。
type TurnResult struct {
	SessionID   string
	Status      TurnStatus
	Transcript  string
	Reply       string
	Audio       model.AudioArtifact
	Recognition model.RecognitionResult
	Update      conversation.Update
}

// Deps 流水线依赖。Events 与 Agents 可以为空。
type Deps struct {
	Transcoder  Transcoder
	Recognizer  Recognizer
	Generator   Generator
	Synthesizer Synthesizer
	Store       memory.Store
	Agents      agent.Store
	Events      EventPublisher
	Metrics     *metrics.Metrics
}

// Options tune the pipeline.
type Options struct {
	Language         string
	SystemPrompt     string
	MaxTokens        int
	RecognizeTimeout time.Duration
}

// Pipeline 按顺序执行一轮：转码 → 识别 → 记忆 → 生成 → 记忆 → 合成。
type Pipeline struct {
	deps    Deps
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewPipeline wires a pipeline.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if opts.Language == "" {
		opts.Language = "tr-TR"
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		metrics: deps.Metrics,
		log:     logging.WithComponent("orchestrator"),
	}
}

// Store exposes the conversation store the pipeline writes to.
func (p *Pipeline) Store() memory.Store {
	return p.deps.Store
}

// ProcessTurn runs one full turn. A NoMatch result is not an error: the
// returned result carries TurnNoMatch and NoMatchPrompt and the generator is
// never called. On failure the result still carries a user-facing Reply.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	log := logging.WithSession("orchestrator", req.SessionID)
	ag := p.Agent(req.AgentID)
	language := p.language(req.Language, ag)

	res := TurnResult{SessionID: req.SessionID, Status: TurnFailed, Reply: RetryPrompt}

	stage(req, StateProcessingSTT)
	started := time.Now()
	wav, err := p.deps.Transcoder.Transcode(ctx, req.Audio, model.RecognizerTarget)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(req.Audio.Data)).Msg("audio conversion failed")
		return p.finish(req, res, err)
	}
	cands, err := speech.Candidates(wav, req.Audio)
	if err != nil {
		return p.finish(req, res, err)
	}
	rec, err := p.deps.Recognizer.RecognizeCandidates(ctx, cands, language, p.opts.RecognizeTimeout)
	p.metrics.ObserveStage("stt", started)
	res.Recognition = rec
	if err != nil {
		log.Warn().Err(err).Str("reason", string(rec.Reason)).Msg("recognition failed")
		return p.finish(req, res, err)
	}
	if !rec.Recognized() {
		log.Debug().Str("backend", rec.Backend).Msg("no speech recognized")
		res.Status = TurnNoMatch
		res.Reply = NoMatchPrompt
		return p.finish(req, res, nil)
	}
	res.Transcript = rec.Text

	// 打断发生在识别阶段时不再调用模型。
	if err := ctx.Err(); err != nil {
		return p.finish(req, res, err)
	}

	stage(req, StateProcessingLLM)
	update, err := p.converse(ctx, req.SessionID, req.History, ag, rec.Text)
	if err != nil {
		res.Reply = ai.Apology
		p.metrics.RecordApology()
		log.Error().Err(err).Msg("reply generation failed")
		return p.finish(req, res, err)
	}
	res.Update = update
	res.Reply = update.Assistant.Text

	if !req.SkipSynthesis {
		stage(req, StateProcessingTTS)
		started = time.Now()
		art, err := p.deps.Synthesizer.Synthesize(ctx, res.Reply, Voice(ag, language), model.MarkupWrapped)
		p.metrics.ObserveStage("tts", started)
		if err != nil {
			log.Error().Err(err).Msg("synthesis failed")
			return p.finish(req, res, err)
		}
		res.Audio = art
	}

	res.Status = TurnCompleted
	log.Info().
		Str("transcript", res.Transcript).
		Int("reply_chars", len([]rune(res.Reply))).
		Int("history", len(update.History)).
		Msg("turn completed")
	return p.finish(req, res, nil)
}

// Respond appends a recognized utterance and its reply to sessionID's
// transcript, holding the session lock across both writes.
func (p *Pipeline) Respond(ctx context.Context, sessionID, agentID, userText string) (conversation.Update, error) {
	return p.converse(ctx, sessionID, nil, p.Agent(agentID), userText)
}

func (p *Pipeline) converse(ctx context.Context, sessionID string, history []conversation.Turn, ag *agent.Agent, userText string) (conversation.Update, error) {
	unlock := p.deps.Store.Lock(sessionID)
	defer unlock()

	if history != nil {
		if err := p.deps.Store.Replace(ctx, sessionID, history); err != nil {
			return conversation.Update{}, fmt.Errorf("replace history: %w", err)
		}
	}
	turns, err := p.deps.Store.Context(ctx, sessionID)
	if err != nil {
		return conversation.Update{}, fmt.Errorf("load context: %w", err)
	}

	started := time.Now()
	reply, err := p.deps.Generator.Generate(ctx, turns, userText, ai.BuildSystemPrompt(p.opts.SystemPrompt, ag), p.opts.MaxTokens)
	p.metrics.ObserveStage("llm", started)
	if err != nil {
		return conversation.Update{}, err
	}

	withUser, err := p.deps.Store.Append(ctx, sessionID, conversation.RoleUser, strings.TrimSpace(userText))
	if err != nil {
		return conversation.Update{}, fmt.Errorf("append user turn: %w", err)
	}
	full, err := p.deps.Store.Append(ctx, sessionID, conversation.RoleAssistant, reply)
	if err != nil {
		return conversation.Update{}, fmt.Errorf("append assistant turn: %w", err)
	}

	return conversation.Update{
		SessionID: sessionID,
		User:      withUser[len(withUser)-1],
		Assistant: full[len(full)-1],
		History:   full,
	}, nil
}

func (p *Pipeline) finish(req TurnRequest, res TurnResult, err error) (TurnResult, error) {
	outcome := string(res.Status)
	if errors.Is(err, context.Canceled) {
		outcome = "cancelled"
	}
	p.metrics.RecordTurn(req.Mode.String(), outcome)

	if p.deps.Events != nil {
		payload := map[string]any{"mode": req.Mode.String()}
		eventType := events.TypeTurnCompleted
		switch res.Status {
		case TurnNoMatch:
			eventType = events.TypeTurnNoMatch
		case TurnFailed:
			eventType = events.TypeTurnFailed
			if err != nil {
				payload["error"] = err.Error()
			}
		default:
			payload["transcript"] = res.Transcript
			payload["reply"] = res.Reply
		}
		p.deps.Events.PublishAsync(events.New(eventType, req.SessionID, "", payload))
	}
	return res, err
}

// Agent resolves id, falling back to the default agent. It returns nil when neither exists.
func (p *Pipeline) Agent(id string) *agent.Agent {
	if p.deps.Agents == nil {
		return nil
	}
	if id == "" {
		id = agent.DefaultID
	}
	if a, ok := p.deps.Agents.FindByID(id); ok {
		return &a
	}
	if a, ok := p.deps.Agents.FindByID(agent.DefaultID); ok {
		return &a
	}
	return nil
}

func (p *Pipeline) language(requested string, ag *agent.Agent) string {
	switch {
	case requested != "":
		return requested
	case ag != nil && ag.Language != "":
		return ag.Language
	default:
		return p.opts.Language
	}
}

// Language returns the recognition language for an agent.
func (p *Pipeline) Language(ag *agent.Agent) string {
	return p.language("", ag)
}

// Voice 由 agent 配置得出合成参数；零值字段交给合成器默认值。
func Voice(ag *agent.Agent, language string) model.VoiceParams {
	v := model.VoiceParams{Language: language}
	if ag != nil {
		v.VoiceID = ag.VoiceID
		v.Stability = ag.Stability
		v.SimilarityBoost = ag.SimilarityBoost
	}
	return v
}

func stage(req TurnRequest, s State) {
	if req.OnStage != nil {
		req.OnStage(s)
	}
}
