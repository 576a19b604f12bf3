package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
)

type fakeSynth struct {
	ssml  bool
	audio []byte
	err   error
	delay time.Duration
	last  SynthesisRequest
}

func (f *fakeSynth) Name() string       { return "fake" }
func (f *fakeSynth) SupportsSSML() bool { return f.ssml }

func (f *fakeSynth) Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error) {
	f.last = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.AudioArtifact{}, ctx.Err()
		}
	}
	if f.err != nil {
		return model.AudioArtifact{}, f.err
	}
	return model.AudioArtifact{Data: f.audio, MimeType: "audio/mpeg", Container: model.ContainerMP3}, nil
}

func TestWrapSSMLEscapes(t *testing.T) {
	got := WrapSSML(`Fiyat <10 & "indirim" 'bugün'`, "tr-TR")
	want := `<speak xml:lang="tr-TR">Fiyat &lt;10 &amp; &quot;indirim&quot; &apos;bugün&apos;</speak>`
	if got != want {
		t.Fatalf("WrapSSML =\n%s\nwant\n%s", got, want)
	}
}

func TestSynthesizeWrapsOnlyWhenSupported(t *testing.T) {
	plain := &fakeSynth{audio: []byte{1, 2, 3}}
	s := NewSynthesizer(plain, time.Second, model.VoiceParams{VoiceID: "v1", Stability: 0.5}, testMetrics())
	if _, err := s.Synthesize(context.Background(), "a & b", model.VoiceParams{}, model.MarkupWrapped); err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if plain.last.Text != "a & b" || plain.last.Markup != model.PlainText {
		t.Fatalf("plain backend got %+v", plain.last)
	}
	if plain.last.Voice.VoiceID != "v1" || plain.last.Voice.Stability != 0.5 {
		t.Fatalf("defaults not applied: %+v", plain.last.Voice)
	}

	ssml := &fakeSynth{ssml: true, audio: []byte{1}}
	s = NewSynthesizer(ssml, time.Second, model.VoiceParams{Language: "tr-TR"}, testMetrics())
	if _, err := s.Synthesize(context.Background(), "a & b", model.VoiceParams{}, model.MarkupWrapped); err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if !strings.HasPrefix(ssml.last.Text, "<speak") || !strings.Contains(ssml.last.Text, "a &amp; b") {
		t.Fatalf("expected escaped ssml, got %q", ssml.last.Text)
	}
}

func TestSynthesizeEmptyAudioIsFailure(t *testing.T) {
	s := NewSynthesizer(&fakeSynth{}, time.Second, model.VoiceParams{}, testMetrics())
	_, err := s.Synthesize(context.Background(), "merhaba", model.VoiceParams{}, model.PlainText)
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
	var se *SynthesisError
	if !errors.As(err, &se) || se.Backend != "fake" {
		t.Fatalf("expected SynthesisError from fake, got %v", err)
	}
}

func TestSynthesizeTimeout(t *testing.T) {
	s := NewSynthesizer(&fakeSynth{audio: []byte{1}, delay: time.Second}, 30*time.Millisecond, model.VoiceParams{}, testMetrics())
	if _, err := s.Synthesize(context.Background(), "merhaba", model.VoiceParams{}, model.PlainText); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed on timeout, got %v", err)
	}
}

func TestSynthesizeRejectsBlankText(t *testing.T) {
	s := NewSynthesizer(&fakeSynth{audio: []byte{1}}, time.Second, model.VoiceParams{}, testMetrics())
	if _, err := s.Synthesize(context.Background(), "  ", model.VoiceParams{}, model.PlainText); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
}

func TestElevenLabsSynthesize(t *testing.T) {
	var gotBody elevenLabsTTSBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != DefaultElevenLabsFormat {
			t.Errorf("unexpected format %q", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0xFF, 0xFB, 0x90, 0x00})
	}))
	defer srv.Close()

	e := NewElevenLabsSynthesizer(ElevenLabsOptions{APIKey: "secret", BaseURL: srv.URL})
	art, err := e.Synthesize(context.Background(), SynthesisRequest{
		Text:  "Merhaba",
		Voice: model.VoiceParams{VoiceID: "voice-1", Stability: 0.4, SimilarityBoost: 0.8, Language: "tr-TR"},
	})
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if art.MimeType != "audio/mpeg" || art.SampleRate != 44100 || len(art.Data) != 4 {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if gotBody.Text != "Merhaba" || gotBody.VoiceSettings.Stability != 0.4 || gotBody.VoiceSettings.SimilarityBoost != 0.8 {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if gotBody.LanguageCode != "tr" {
		t.Fatalf("unexpected language code %q", gotBody.LanguageCode)
	}
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota_exceeded"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewElevenLabsSynthesizer(ElevenLabsOptions{APIKey: "secret", BaseURL: srv.URL})
	_, err := e.Synthesize(context.Background(), SynthesisRequest{Text: "x", Voice: model.VoiceParams{VoiceID: "v"}})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}
