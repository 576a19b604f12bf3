package telephony

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/events"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

// Responder turns a recognized utterance into the assistant reply; *orchestrator.Pipeline implements it.
type Responder interface {
	Respond(ctx context.Context, sessionID, agentID, userText string) (conversation.Update, error)
	Agent(id string) *agent.Agent
	Language(a *agent.Agent) string
}

// Speaker synthesizes straight into a delivery format; *speech.Synthesizer implements it.
type Speaker interface {
	SynthesizeFor(ctx context.Context, tr speech.Transcoder, text string, voice model.VoiceParams, target model.Target) (model.AudioArtifact, error)
}

// StreamRecognizer hands out per-call recognizer handles.
type StreamRecognizer interface {
	Open(id string) *speech.StreamHandle
}

// ManagerDeps 呼叫管理器依赖。
type ManagerDeps struct {
	Recognizer StreamRecognizer
	Responder  Responder
	Speaker    Speaker
	Transcoder speech.Transcoder
	Store      memory.Store
	Events     orchestrator.EventPublisher
	Metrics    *metrics.Metrics
}

// ManagerOptions tune call handling.
type ManagerOptions struct {
	QueueSize        int
	MaxCalls         int
	RecognizeTimeout time.Duration
	Chunker          ChunkerConfig
}

// Manager owns the active-calls collection. Transports report signaling
// events and push inbound frames; each active call runs one worker that
// drains its queue so backend latency never reaches the receive path.
type Manager struct {
	deps ManagerDeps
	opts ManagerOptions
	log  zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	calls map[string]*Call
}

// NewManager 创建呼叫管理器。
func NewManager(deps ManagerDeps, opts ManagerOptions) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 50
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = 64
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		opts:   opts,
		log:    logging.WithComponent("telephony"),
		base:   base,
		cancel: cancel,
		calls:  make(map[string]*Call),
	}
}

// Open registers an inbound call in Ringing.
func (m *Manager) Open(p CallParams, sink MediaSink) error {
	if p.ID == "" {
		return ErrCallNotFound
	}
	m.mu.Lock()
	if _, ok := m.calls[p.ID]; ok {
		m.mu.Unlock()
		return ErrDuplicateCall
	}
	if len(m.calls) >= m.opts.MaxCalls {
		m.mu.Unlock()
		return ErrTooManyCalls
	}
	c := newCall(p, sink, m.opts.QueueSize)
	m.calls[p.ID] = c
	m.mu.Unlock()

	m.deps.Metrics.CallStarted()
	c.log.Info().Str("remote", p.Remote).Msg("call ringing")
	return nil
}

// Accept marks the call answered; signaling has acknowledged it.
func (m *Manager) Accept(id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	return c.transition(CallAccepted)
}

// Activate starts the call's recognize-respond loop and greets the caller.
func (m *Manager) Activate(id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}

	// The state change and worker setup share one critical section so a
	// concurrent teardown either sees both or neither.
	c.mu.Lock()
	if err := c.transitionLocked(CallActive); err != nil {
		c.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(m.base)
	c.cancel = cancel
	c.handle = m.deps.Recognizer.Open(id)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go m.work(ctx, c)

	m.publish(events.TypeCallStarted, c, map[string]any{"transport": c.params.Transport, "remote": c.params.Remote})
	c.log.Info().Msg("call active")
	return nil
}

// PushFrame enqueues one inbound frame without blocking. Frames that arrive
// before the call is active are ignored.
func (m *Manager) PushFrame(id string, f Frame) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	switch c.State() {
	case CallActive:
	case CallTerminated:
		return ErrCallTerminated
	default:
		return nil
	}
	if c.queue.Push(f) {
		m.deps.Metrics.RecordFrameDropped()
	}
	return nil
}

// Hangup tears the call down: the worker stops, playback is cut, buffered
// audio is discarded, the recognizer handle is released and the call's
// transcript and entry are removed.
func (m *Manager) Hangup(id, reason string) error {
	m.mu.Lock()
	c, ok := m.calls[id]
	if ok {
		delete(m.calls, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrCallNotFound
	}
	m.teardown(c, reason)
	return nil
}

func (m *Manager) teardown(c *Call, reason string) {
	c.mu.Lock()
	c.state = CallTerminated
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.stopPlayback()
	if cancel != nil {
		cancel()
	}
	c.queue.Close()
	if done != nil {
		<-done
	}
	c.playWG.Wait()

	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()
	if handle != nil {
		handle.Release()
	}
	if err := m.deps.Store.Reset(context.Background(), c.ID()); err != nil {
		c.log.Warn().Err(err).Msg("failed to drop call transcript")
	}

	m.deps.Metrics.CallEnded(c.params.Transport, reason)
	info := c.Info()
	m.publish(events.TypeCallEnded, c, map[string]any{
		"reason":        reason,
		"turns":         info.Turns,
		"framesDropped": info.Dropped,
		"durationMs":    time.Since(c.startedAt).Milliseconds(),
	})
	c.log.Info().Str("reason", reason).Int("turns", info.Turns).Int64("dropped", info.Dropped).Msg("call terminated")
}

// Count 当前呼叫数。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Get returns a snapshot of one call.
func (m *Manager) Get(id string) (CallInfo, bool) {
	c, err := m.get(id)
	if err != nil {
		return CallInfo{}, false
	}
	return c.Info(), true
}

// List returns all calls, oldest first.
func (m *Manager) List() []CallInfo {
	m.mu.RLock()
	out := make([]CallInfo, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown hangs up every call.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_ = m.Hangup(id, "shutdown")
	}
	m.cancel()
	return ctx.Err()
}

func (m *Manager) get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

func (m *Manager) work(ctx context.Context, c *Call) {
	defer close(c.done)

	ag := m.deps.Responder.Agent(c.params.AgentID)
	if ag != nil && ag.FirstMessage != "" {
		if err := m.say(ctx, c, ag, ag.FirstMessage); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("greeting failed")
		}
	}

	chunker := NewChunker(m.opts.Chunker)
	for {
		f, ok := c.queue.Pop(ctx)
		if !ok {
			return
		}
		utterance, started := chunker.Push(decodeFrame(f))
		if started && c.Speaking() {
			c.log.Debug().Msg("caller barged in")
			c.stopPlayback()
			if err := c.sink.Clear(); err != nil {
				c.log.Debug().Err(err).Msg("clear outbound audio")
			}
		}
		if utterance != nil {
			m.turn(ctx, c, ag, utterance)
		}
	}
}

func (m *Manager) turn(ctx context.Context, c *Call, ag *agent.Agent, pcm []int16) {
	language := m.deps.Responder.Language(ag)

	started := time.Now()
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	res, err := handle.RecognizePCM(ctx, pcm, 8000, language, m.opts.RecognizeTimeout)
	m.deps.Metrics.ObserveStage("stt", started)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err != nil:
		c.log.Warn().Err(err).Msg("recognition failed mid-call")
		m.apologize(ctx, c, ag, orchestrator.RetryPrompt)
		return
	case !res.Recognized():
		m.deps.Metrics.RecordTurn("telephony", string(orchestrator.TurnNoMatch))
		if err := m.say(ctx, c, ag, orchestrator.NoMatchPrompt); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("no-match prompt failed")
		}
		return
	}

	update, err := m.deps.Responder.Respond(ctx, c.ID(), c.params.AgentID, res.Text)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("reply generation failed mid-call")
		m.apologize(ctx, c, ag, ai.Apology)
		return
	}
	c.turns.Add(1)

	if err := m.say(ctx, c, ag, update.Assistant.Text); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error().Err(err).Msg("reply synthesis failed mid-call")
		m.apologize(ctx, c, ag, ai.Apology)
		return
	}

	m.deps.Metrics.RecordTurn("telephony", string(orchestrator.TurnCompleted))
	m.publish(events.TypeTurnCompleted, c, map[string]any{
		"mode":       "telephony",
		"transcript": update.User.Text,
		"reply":      update.Assistant.Text,
	})
}

// apologize keeps the call alive after a failed turn.
func (m *Manager) apologize(ctx context.Context, c *Call, ag *agent.Agent, text string) {
	m.deps.Metrics.RecordApology()
	m.deps.Metrics.RecordTurn("telephony", string(orchestrator.TurnFailed))
	m.publish(events.TypeTurnFailed, c, map[string]any{"mode": "telephony"})
	if err := m.say(ctx, c, ag, text); err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Msg("apology could not be spoken")
	}
}

// say synthesizes text and starts playing it; playback runs beside the
// worker so the caller can barge in.
func (m *Manager) say(ctx context.Context, c *Call, ag *agent.Agent, text string) error {
	started := time.Now()
	voice := orchestrator.Voice(ag, m.deps.Responder.Language(ag))
	art, err := m.deps.Speaker.SynthesizeFor(ctx, m.deps.Transcoder, text, voice, model.TelephonyTarget)
	m.deps.Metrics.ObserveStage("tts", started)
	if err != nil {
		return err
	}

	playCtx := c.startPlayback(ctx)
	c.speaking.Add(1)
	c.playWG.Add(1)
	go func() {
		defer c.playWG.Done()
		defer c.speaking.Add(-1)
		if err := c.sink.SendAudio(playCtx, art.Data); err != nil && playCtx.Err() == nil {
			c.log.Warn().Err(err).Msg("playback failed")
		}
	}()
	return nil
}

func (m *Manager) publish(eventType string, c *Call, payload map[string]any) {
	if m.deps.Events == nil {
		return
	}
	m.deps.Events.PublishAsync(events.New(eventType, c.ID(), c.ID(), payload))
}

func decodeFrame(f Frame) []int16 {
	if f.Codec == CodecPCMA {
		return audio.DecodeAlaw(f.Payload)
	}
	return audio.DecodeMulaw(f.Payload)
}
