package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/events"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

type fixedRecognizer struct {
	result model.RecognitionResult
	err    error
	calls  int
}

func (f *fixedRecognizer) RecognizeCandidates(context.Context, []speech.Candidate, string, time.Duration) (model.RecognitionResult, error) {
	f.calls++
	return f.result, f.err
}

type countingGenerator struct {
	mu     sync.Mutex
	reply  string
	err    error
	calls  int
	turns  []conversation.Turn
	prompt string
}

func (g *countingGenerator) Generate(_ context.Context, turns []conversation.Turn, _ string, systemPrompt string, _ int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.turns = turns
	g.prompt = systemPrompt
	return g.reply, g.err
}

func (g *countingGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type mpegSynth struct {
	err   error
	texts []string
}

func (s *mpegSynth) Synthesize(_ context.Context, text string, _ model.VoiceParams, _ model.Markup) (model.AudioArtifact, error) {
	s.texts = append(s.texts, text)
	if s.err != nil {
		return model.AudioArtifact{}, s.err
	}
	return model.AudioArtifact{Data: []byte{0xFF, 0xFB, 0x90, 0x00}, MimeType: "audio/mpeg", Container: model.ContainerMP3}, nil
}

// hangingRecognizerBackend never answers and ignores its context.
type hangingRecognizerBackend struct{ release chan struct{} }

func (h hangingRecognizerBackend) Name() string { return "hanging" }

func (h hangingRecognizerBackend) Recognize(context.Context, speech.RecognizeRequest) (string, float64, error) {
	<-h.release
	return "too late", 1, nil
}

type hangingSynthBackend struct{ release chan struct{} }

func (h hangingSynthBackend) Name() string       { return "hanging" }
func (h hangingSynthBackend) SupportsSSML() bool { return false }

func (h hangingSynthBackend) Synthesize(context.Context, speech.SynthesisRequest) (model.AudioArtifact, error) {
	<-h.release
	return model.AudioArtifact{Data: []byte{1}}, nil
}

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) PublishAsync(ev events.Event) {
	r.mu.Lock()
	r.types = append(r.types, ev.Type)
	r.mu.Unlock()
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func speechWAV(ms int) model.AudioArtifact {
	n := 16000 * ms / 1000
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(6000 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	return model.AudioArtifact{Data: audio.EncodeWAV(pcm, 16000), MimeType: "audio/wav", Container: model.ContainerWAV}
}

type fixture struct {
	pipeline *Pipeline
	rec      Recognizer
	gen      *countingGenerator
	synth    Synthesizer
	store    *memory.MemoryStore
	events   *recordedEvents
}

func newFixture(rec Recognizer, gen *countingGenerator, synth Synthesizer) fixture {
	m := testMetrics()
	store := memory.NewMemoryStore(10)
	ev := &recordedEvents{}
	p := NewPipeline(Deps{
		Transcoder:  audio.NewTranscoder(audio.Options{Metrics: m}),
		Recognizer:  rec,
		Generator:   gen,
		Synthesizer: synth,
		Store:       store,
		Agents:      agent.NewMemoryStore(agent.Seed()),
		Events:      ev,
		Metrics:     m,
	}, Options{Language: "tr-TR", SystemPrompt: "Kısa yanıt ver."})
	return fixture{pipeline: p, rec: rec, gen: gen, synth: synth, store: store, events: ev}
}

func TestProcessTurnHappyPath(t *testing.T) {
	gen := &countingGenerator{reply: "Merhaba! Size nasıl yardımcı olabilirim?"}
	rec := &fixedRecognizer{result: model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized, Backend: "stub"}}
	synth := &mpegSynth{}
	f := newFixture(rec, gen, synth)

	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(400)})
	if err != nil {
		t.Fatalf("ProcessTurn err: %v", err)
	}
	if res.Status != TurnCompleted || res.Transcript != "Merhaba" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Audio.Empty() || res.Audio.MimeType != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg body, got %+v", res.Audio)
	}

	turns, _ := f.store.Context(context.Background(), "s1")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != conversation.RoleUser || turns[0].Text != "Merhaba" {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != conversation.RoleAssistant || turns[1].Text != "Merhaba! Size nasıl yardımcı olabilirim?" {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}
	if res.Update.User.Text != "Merhaba" || len(res.Update.History) != 2 {
		t.Fatalf("unexpected update: %+v", res.Update)
	}
	if len(synth.texts) != 1 || synth.texts[0] != res.Reply {
		t.Fatalf("synthesizer got %v", synth.texts)
	}
}

func TestProcessTurnNoMatchSkipsGenerator(t *testing.T) {
	gen := &countingGenerator{reply: "unused"}
	rec := &fixedRecognizer{result: model.NoMatch("stub")}
	synth := &mpegSynth{}
	f := newFixture(rec, gen, synth)

	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if err != nil {
		t.Fatalf("no match must not be an error: %v", err)
	}
	if res.Status != TurnNoMatch || res.Reply != NoMatchPrompt {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gen.count() != 0 {
		t.Fatalf("generator called %d times on no match", gen.count())
	}
	if len(synth.texts) != 0 {
		t.Fatal("synthesizer must not run on no match")
	}
	if turns, _ := f.store.Context(context.Background(), "s1"); len(turns) != 0 {
		t.Fatalf("memory changed on no match: %+v", turns)
	}
}

func TestProcessTurnRecognitionErrorSkipsGenerator(t *testing.T) {
	gen := &countingGenerator{reply: "unused"}
	rec := &fixedRecognizer{
		result: model.RecognitionResult{Status: model.StatusError, Reason: model.ReasonBackend},
		err:    speech.ErrRecognitionFailed,
	}
	f := newFixture(rec, gen, &mpegSynth{})

	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if !errors.Is(err, speech.ErrRecognitionFailed) {
		t.Fatalf("expected recognition error, got %v", err)
	}
	if res.Status != TurnFailed || res.Reply != RetryPrompt || gen.count() != 0 {
		t.Fatalf("unexpected result %+v with %d generator calls", res, gen.count())
	}
}

func TestProcessTurnConversionFailure(t *testing.T) {
	rec := &fixedRecognizer{}
	f := newFixture(rec, &countingGenerator{}, &mpegSynth{})

	_, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{
		SessionID: "s1",
		Audio:     model.AudioArtifact{Data: []byte("definitely not audio"), MimeType: "audio/wav"},
	})
	if !errors.Is(err, audio.ErrConversionFailed) {
		t.Fatalf("expected ErrConversionFailed, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatal("unconverted audio reached the recognizer")
	}
}

func TestProcessTurnRecognizerTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	rec := speech.NewRecognizer(hangingRecognizerBackend{release: release}, time.Minute, testMetrics())
	gen := &countingGenerator{reply: "unused"}
	f := newFixture(rec, gen, &mpegSynth{})
	f.pipeline.opts.RecognizeTimeout = 50 * time.Millisecond

	start := time.Now()
	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("turn hung for %s", elapsed)
	}
	if !errors.Is(err, speech.ErrRecognitionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Recognition.Reason != model.ReasonTimeout || gen.count() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessTurnSynthesizerTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	synth := speech.NewSynthesizer(hangingSynthBackend{release: release}, 50*time.Millisecond, model.VoiceParams{}, testMetrics())
	rec := &fixedRecognizer{result: model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized}}
	f := newFixture(rec, &countingGenerator{reply: "Selam"}, synth)

	start := time.Now()
	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("turn hung for %s", elapsed)
	}
	if !errors.Is(err, speech.ErrSynthesisFailed) {
		t.Fatalf("expected synthesis failure, got %v", err)
	}
	if !res.Audio.Empty() {
		t.Fatal("failed synthesis must not carry audio")
	}
	if res.Reply != "Selam" {
		t.Fatalf("reply text should survive a synthesis failure, got %q", res.Reply)
	}
}

func TestProcessTurnGeneratorFailureApologizes(t *testing.T) {
	rec := &fixedRecognizer{result: model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized}}
	gen := &countingGenerator{err: ai.ErrModelUnavailable}
	synth := &mpegSynth{}
	f := newFixture(rec, gen, synth)

	res, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if !errors.Is(err, ai.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if res.Reply != ai.Apology {
		t.Fatalf("expected apology, got %q", res.Reply)
	}
	if turns, _ := f.store.Context(context.Background(), "s1"); len(turns) != 0 {
		t.Fatalf("failed turn left %d turns in memory", len(turns))
	}
}

func TestProcessTurnReplacesClientHistory(t *testing.T) {
	rec := &fixedRecognizer{result: model.RecognitionResult{Text: "Ya sonra?", Status: model.StatusRecognized}}
	gen := &countingGenerator{reply: "Sonra eve döndük."}
	f := newFixture(rec, gen, &mpegSynth{})
	ctx := context.Background()

	_, _ = f.store.Append(ctx, "s1", conversation.RoleUser, "stale")

	history := []conversation.Turn{
		{Role: conversation.RoleUser, Text: "Dün parka gittik."},
		{Role: conversation.RoleAssistant, Text: "Ne güzel!"},
	}
	res, err := f.pipeline.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Audio: speechWAV(200), History: history, SkipSynthesis: true})
	if err != nil {
		t.Fatalf("ProcessTurn err: %v", err)
	}
	if len(gen.turns) != 2 || gen.turns[0].Text != "Dün parka gittik." {
		t.Fatalf("generator saw %+v", gen.turns)
	}
	if len(res.Update.History) != 4 {
		t.Fatalf("expected 4 turns after replace, got %d", len(res.Update.History))
	}
	if !res.Audio.Empty() {
		t.Fatal("synthesis should be skipped")
	}
}

func TestProcessTurnCancelledBeforeGenerator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &cancellingRecognizer{cancel: cancel}
	gen := &countingGenerator{reply: "unused"}
	f := newFixture(rec, gen, &mpegSynth{})

	_, err := f.pipeline.ProcessTurn(ctx, TurnRequest{SessionID: "s1", Audio: speechWAV(200)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gen.count() != 0 {
		t.Fatal("generator must not run after cancellation")
	}
}

type cancellingRecognizer struct{ cancel context.CancelFunc }

func (c *cancellingRecognizer) RecognizeCandidates(context.Context, []speech.Candidate, string, time.Duration) (model.RecognitionResult, error) {
	c.cancel()
	return model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized}, nil
}

func TestProcessTurnSerializesSameSession(t *testing.T) {
	rec := &fixedRecognizer{result: model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized}}
	gen := &countingGenerator{reply: "Selam"}
	f := newFixture(rec, gen, &mpegSynth{})
	f.pipeline.deps.Recognizer = concurrentRecognizer{}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "shared", Audio: speechWAV(100), SkipSynthesis: true}); err != nil {
				t.Errorf("ProcessTurn err: %v", err)
			}
		}()
	}
	wg.Wait()

	turns, _ := f.store.Context(context.Background(), "shared")
	if len(turns) != 10 {
		t.Fatalf("expected 10 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d role = %s, want %s", i, turn.Role, want)
		}
	}
}

type concurrentRecognizer struct{}

func (concurrentRecognizer) RecognizeCandidates(context.Context, []speech.Candidate, string, time.Duration) (model.RecognitionResult, error) {
	return model.RecognitionResult{Text: "Merhaba", Status: model.StatusRecognized}, nil
}

func TestProcessTurnPublishesEvents(t *testing.T) {
	rec := &fixedRecognizer{result: model.NoMatch("stub")}
	f := newFixture(rec, &countingGenerator{}, &mpegSynth{})

	_, _ = f.pipeline.ProcessTurn(context.Background(), TurnRequest{SessionID: "s1", Audio: speechWAV(100)})

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.types) != 1 || f.events.types[0] != events.TypeTurnNoMatch {
		t.Fatalf("unexpected events: %v", f.events.types)
	}
}

func TestVoiceFromAgent(t *testing.T) {
	a := agent.Seed()[0]
	v := Voice(&a, "tr-TR")
	if v.VoiceID != a.VoiceID || v.Stability != a.Stability || v.Language != "tr-TR" {
		t.Fatalf("unexpected voice: %+v", v)
	}
	if Voice(nil, "en-US").VoiceID != "" {
		t.Fatal("nil agent should leave the voice to synthesizer defaults")
	}
}
