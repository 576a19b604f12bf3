package telephony

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicefleet/agentdesk/backend/internal/model/agent"
	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/ai"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
	memory "github.com/voicefleet/agentdesk/backend/internal/service/conversation"
	"github.com/voicefleet/agentdesk/backend/internal/service/events"
	"github.com/voicefleet/agentdesk/backend/internal/service/orchestrator"
	"github.com/voicefleet/agentdesk/backend/internal/service/speech"
)

// fakeSink records outbound audio. When hold is set SendAudio blocks until
// playback is cancelled, like a long reply still being streamed.
type fakeSink struct {
	hold bool

	mu      sync.Mutex
	sent    int
	bytes   int
	clears  int
	playing chan struct{}
}

func newFakeSink(hold bool) *fakeSink {
	return &fakeSink{hold: hold, playing: make(chan struct{}, 16)}
}

func (s *fakeSink) SendAudio(ctx context.Context, ulaw []byte) error {
	s.mu.Lock()
	s.sent++
	s.bytes += len(ulaw)
	s.mu.Unlock()
	select {
	case s.playing <- struct{}{}:
	default:
	}
	if s.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSink) Clear() error {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) counts() (sent, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.clears
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (e *eventLog) PublishAsync(ev events.Event) {
	e.mu.Lock()
	e.types = append(e.types, ev.Type)
	e.mu.Unlock()
}

func (e *eventLog) has(t string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.types {
		if got == t {
			return true
		}
	}
	return false
}

type harness struct {
	mgr    *Manager
	rec    *speech.Recognizer
	store  *memory.MemoryStore
	events *eventLog
}

func newHarness(t *testing.T, backend speech.RecognizerBackend, opts ManagerOptions) harness {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := memory.NewMemoryStore(10)
	tr := audio.NewTranscoder(audio.Options{Metrics: m})
	rec := speech.NewRecognizer(backend, time.Second, m)
	ev := &eventLog{}

	pipeline := orchestrator.NewPipeline(orchestrator.Deps{
		Transcoder:  tr,
		Recognizer:  rec,
		Generator:   ai.NewGenerator(nil, ai.Options{}),
		Synthesizer: speech.NewSynthesizer(speech.MockSynthesizer{}, time.Second, model.VoiceParams{}, m),
		Store:       store,
		Agents:      agent.NewMemoryStore(agent.Seed()),
		Metrics:     m,
	}, orchestrator.Options{Language: "tr-TR"})

	mgr := NewManager(ManagerDeps{
		Recognizer: rec,
		Responder:  pipeline,
		Speaker:    speech.NewSynthesizer(speech.MockSynthesizer{}, time.Second, model.VoiceParams{}, m),
		Transcoder: tr,
		Store:      store,
		Events:     ev,
		Metrics:    m,
	}, opts)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return harness{mgr: mgr, rec: rec, store: store, events: ev}
}

func loudFrame() Frame {
	pcm := make([]int16, FrameBytes)
	for i := range pcm {
		pcm[i] = int16(6000 * math.Sin(2*math.Pi*300*float64(i)/8000))
	}
	return Frame{Codec: CodecPCMU, Payload: audio.EncodeMulaw(pcm)}
}

func silentFrame() Frame {
	return Frame{Codec: CodecPCMU, Payload: audio.EncodeMulaw(make([]int16, FrameBytes))}
}

// speak pushes one utterance: 400 ms of tone followed by 300 ms of silence.
func speak(t *testing.T, m *Manager, id string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		if err := m.PushFrame(id, loudFrame()); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	for i := 0; i < 15; i++ {
		if err := m.PushFrame(id, silentFrame()); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startCall(t *testing.T, m *Manager, id string, sink MediaSink) {
	t.Helper()
	if err := m.Open(CallParams{ID: id, StreamID: "MZ-" + id, Transport: "media_stream"}, sink); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Accept(id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := m.Activate(id); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestCallThreeTurnsThenHangupReleasesEverything(t *testing.T) {
	backend := &speech.MockRecognizer{Transcripts: []string{"Merhaba", "Randevu almak istiyorum", "Teşekkürler"}}
	h := newHarness(t, backend, ManagerOptions{})
	sink := newFakeSink(false)

	startCall(t, h.mgr, "CA1", sink)
	if h.mgr.Count() != 1 || h.rec.OpenHandles() != 1 {
		t.Fatalf("count=%d handles=%d", h.mgr.Count(), h.rec.OpenHandles())
	}

	for want := 1; want <= 3; want++ {
		speak(t, h.mgr, "CA1")
		waitFor(t, "turn", func() bool {
			info, ok := h.mgr.Get("CA1")
			return ok && info.Turns == want
		})
	}

	turns, err := h.store.Context(context.Background(), "CA1")
	if err != nil || len(turns) != 6 {
		t.Fatalf("expected 6 stored turns, got %d (%v)", len(turns), err)
	}
	if turns[0].Text != "Merhaba" || turns[4].Text != "Teşekkürler" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
	// greeting plus three replies
	waitFor(t, "replies played", func() bool {
		sent, _ := sink.counts()
		return sent == 4
	})

	if err := h.mgr.Hangup("CA1", "remote_bye"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if h.mgr.Count() != 0 {
		t.Fatalf("count after hangup = %d", h.mgr.Count())
	}
	if h.rec.OpenHandles() != 0 {
		t.Fatalf("recognizer handles leaked: %d", h.rec.OpenHandles())
	}
	sessions, _ := h.store.Sessions(context.Background())
	for _, s := range sessions {
		if s.ID == "CA1" {
			t.Fatal("call transcript survived hangup")
		}
	}
	if _, ok := h.mgr.Get("CA1"); ok {
		t.Fatal("call still listed after hangup")
	}
	if err := h.mgr.Hangup("CA1", "again"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("second hangup err = %v", err)
	}
	waitFor(t, "call.ended event", func() bool { return h.events.has(events.TypeCallEnded) })
}

func TestHangupLeavesOtherCallsRunning(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{}, ManagerOptions{})
	startCall(t, h.mgr, "A", newFakeSink(false))
	startCall(t, h.mgr, "B", newFakeSink(false))

	if err := h.mgr.Hangup("A", "remote_bye"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if h.mgr.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.mgr.Count())
	}
	info, ok := h.mgr.Get("B")
	if !ok || info.State != CallActive {
		t.Fatalf("other call disturbed: %+v %v", info, ok)
	}
	if h.rec.OpenHandles() != 1 {
		t.Fatalf("handles = %d, want 1", h.rec.OpenHandles())
	}
}

func TestCallerBargesInOverPlayback(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{Transcripts: []string{"Bir dakika"}}, ManagerOptions{})
	sink := newFakeSink(true)
	startCall(t, h.mgr, "CA2", sink)

	select {
	case <-sink.playing:
	case <-time.After(2 * time.Second):
		t.Fatal("greeting never started")
	}
	for i := 0; i < 5; i++ {
		if err := h.mgr.PushFrame("CA2", loudFrame()); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	waitFor(t, "clear", func() bool {
		_, clears := sink.counts()
		return clears == 1
	})
}

func TestRecognizerFailureApologisesAndKeepsCall(t *testing.T) {
	backend := &speech.MockRecognizer{Err: errors.New("upstream 503")}
	h := newHarness(t, backend, ManagerOptions{})
	sink := newFakeSink(false)
	startCall(t, h.mgr, "CA3", sink)
	waitFor(t, "greeting", func() bool {
		sent, _ := sink.counts()
		return sent == 1
	})

	speak(t, h.mgr, "CA3")
	waitFor(t, "apology", func() bool {
		sent, _ := sink.counts()
		return sent == 2
	})
	info, ok := h.mgr.Get("CA3")
	if !ok || info.State != CallActive || info.Turns != 0 {
		t.Fatalf("call should stay active without turns: %+v", info)
	}
	waitFor(t, "turn.failed event", func() bool { return h.events.has(events.TypeTurnFailed) })
}

func TestNoMatchPromptsWithoutTurn(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{}, ManagerOptions{})
	sink := newFakeSink(false)
	startCall(t, h.mgr, "CA4", sink)

	speak(t, h.mgr, "CA4")
	waitFor(t, "no-match prompt", func() bool {
		sent, _ := sink.counts()
		return sent == 2
	})
	if turns, _ := h.store.Context(context.Background(), "CA4"); len(turns) != 0 {
		t.Fatalf("no match must not touch memory: %+v", turns)
	}
}

func TestManagerLimitsAndLifecycleErrors(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{}, ManagerOptions{MaxCalls: 1})
	sink := newFakeSink(false)

	if err := h.mgr.Open(CallParams{ID: "X", Transport: "sip"}, sink); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.mgr.Open(CallParams{ID: "X", Transport: "sip"}, sink); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := h.mgr.Open(CallParams{ID: "Y", Transport: "sip"}, sink); !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("limit err = %v", err)
	}
	if err := h.mgr.Activate("X"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate from ringing err = %v", err)
	}
	// frames before activation are ignored
	if err := h.mgr.PushFrame("X", loudFrame()); err != nil {
		t.Fatalf("early frame err = %v", err)
	}
	if err := h.mgr.PushFrame("nope", loudFrame()); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("unknown call err = %v", err)
	}
	if err := h.mgr.Hangup("X", "cancel"); err != nil {
		t.Fatalf("hangup ringing call: %v", err)
	}
	if h.mgr.Count() != 0 || h.rec.OpenHandles() != 0 {
		t.Fatalf("count=%d handles=%d", h.mgr.Count(), h.rec.OpenHandles())
	}
}

func TestActivateRacingHangupNeverLeaksHandles(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{}, ManagerOptions{MaxCalls: 512})
	sink := newFakeSink(false)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("R%d", i)
		if err := h.mgr.Open(CallParams{ID: id, Transport: "sip"}, sink); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		if err := h.mgr.Accept(id); err != nil {
			t.Fatalf("accept %s: %v", id, err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.mgr.Activate(id)
		}()
		go func() {
			defer wg.Done()
			_ = h.mgr.Hangup(id, "race")
		}()
	}
	wg.Wait()

	if h.mgr.Count() != 0 || h.rec.OpenHandles() != 0 {
		t.Fatalf("count=%d handles=%d", h.mgr.Count(), h.rec.OpenHandles())
	}
}

func TestActivateAfterTeardownOpensNoHandle(t *testing.T) {
	h := newHarness(t, &speech.MockRecognizer{}, ManagerOptions{})
	if err := h.mgr.Open(CallParams{ID: "T", Transport: "sip"}, newFakeSink(false)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.mgr.Accept("T"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// teardown has run but Activate already looked the call up
	h.mgr.mu.RLock()
	c := h.mgr.calls["T"]
	h.mgr.mu.RUnlock()
	h.mgr.teardown(c, "operator")

	if err := h.mgr.Activate("T"); !errors.Is(err, ErrCallTerminated) {
		t.Fatalf("activate after teardown err = %v", err)
	}
	h.mgr.mu.Lock()
	delete(h.mgr.calls, "T")
	h.mgr.mu.Unlock()

	if h.rec.OpenHandles() != 0 {
		t.Fatalf("handles = %d, want 0", h.rec.OpenHandles())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil || c.cancel != nil {
		t.Fatalf("terminated call was wired up")
	}
}

func TestCallInfoCountsDroppedFrames(t *testing.T) {
	c := newCall(CallParams{ID: "Q", Transport: "sip"}, newFakeSink(false), 2)
	for i := 0; i < 5; i++ {
		c.queue.Push(silentFrame())
	}
	info := c.Info()
	if info.Dropped != 3 || info.State != CallRinging {
		t.Fatalf("unexpected info: %+v", info)
	}
}
