package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
)

// Encoding 识别后端接受的音频编码。
type Encoding string

const (
	EncodingLinear16 Encoding = "LINEAR16"
	EncodingMulaw    Encoding = "MULAW"
	EncodingOggOpus  Encoding = "OGG_OPUS"
	EncodingWebMOpus Encoding = "WEBM_OPUS"
)

// Candidate 一次识别尝试的输入。
type Candidate struct {
	Encoding   Encoding
	SampleRate int
	Audio      []byte
}

// RecognizeRequest is what a backend receives for a single attempt.
type RecognizeRequest struct {
	Candidate
	Language string
}

// RecognizerBackend 识别服务提供方。
// A backend returns ErrUnsupportedEncoding for encodings it cannot take and an
// empty Text when it heard no speech.
type RecognizerBackend interface {
	Name() string
	Recognize(ctx context.Context, req RecognizeRequest) (text string, confidence float64, err error)
}

// Candidates derives the ordered encoding attempts for a recognizer-ready
// artifact: the 16 kHz WAV first, alternate WAV variants next and the
// original Opus upload, when there is one, last.
func Candidates(primary, original model.AudioArtifact) ([]Candidate, error) {
	info, err := audio.ParseWAV(primary.Data)
	if err != nil {
		return nil, fmt.Errorf("recognizer input is not WAV: %w", err)
	}
	pcm, err := info.Samples()
	if err != nil {
		return nil, err
	}
	pcm = audio.ToMono(pcm, info.Channels)

	narrow := audio.Resample(pcm, info.SampleRate, 8000)
	out := []Candidate{
		{Encoding: EncodingLinear16, SampleRate: info.SampleRate, Audio: primary.Data},
		{Encoding: EncodingLinear16, SampleRate: 8000, Audio: audio.EncodeWAV(narrow, 8000)},
		{Encoding: EncodingMulaw, SampleRate: 8000, Audio: audio.EncodeMulawWAV(audio.EncodeMulaw(narrow), 8000)},
	}

	if len(original.Data) > 0 {
		switch audio.DetectContainer(original.Data) {
		case model.ContainerOgg:
			out = append(out, Candidate{Encoding: EncodingOggOpus, SampleRate: 48000, Audio: original.Data})
		case model.ContainerWebM:
			out = append(out, Candidate{Encoding: EncodingWebMOpus, SampleRate: 48000, Audio: original.Data})
		}
	}
	return out, nil
}

// Recognizer 在后端之上施加硬超时与编码回退。
type Recognizer struct {
	backend RecognizerBackend
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	open atomic.Int64
}

// NewRecognizer wraps backend. timeout is the default hard limit per call.
func NewRecognizer(backend RecognizerBackend, timeout time.Duration, m *metrics.Metrics) *Recognizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Recognizer{
		backend: backend,
		timeout: timeout,
		metrics: m,
		log:     logging.WithComponent("recognizer"),
	}
}

// Backend 返回底层后端名称。
func (r *Recognizer) Backend() string {
	return r.backend.Name()
}

// Recognize transcribes a recognizer-ready WAV artifact.
// The error is non-nil exactly when the result status is StatusError.
func (r *Recognizer) Recognize(ctx context.Context, audioIn model.AudioArtifact, language string, timeout time.Duration) (model.RecognitionResult, error) {
	cands, err := Candidates(audioIn, model.AudioArtifact{})
	if err != nil {
		return r.failed(ReasonFor(err), err)
	}
	return r.RecognizeCandidates(ctx, cands, language, timeout)
}

// RecognizeCandidates 依次尝试候选编码，第一个非空识别结果即返回。
// The whole attempt sequence shares one hard timeout; a backend still running
// when it fires is abandoned and its eventual result discarded.
func (r *Recognizer) RecognizeCandidates(ctx context.Context, cands []Candidate, language string, timeout time.Duration) (model.RecognitionResult, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res model.RecognitionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.attempt(ctx, cands, language)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return r.expired(ctx, timeout)
		}
		r.metrics.RecordRecognition(r.backend.Name(), string(o.res.Status))
		return o.res, o.err
	case <-ctx.Done():
		return r.expired(ctx, timeout)
	}
}

func (r *Recognizer) expired(ctx context.Context, timeout time.Duration) (model.RecognitionResult, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.log.Warn().Dur("timeout", timeout).Msg("recognition timed out")
		return r.failed(model.ReasonTimeout, fmt.Errorf("%w after %s", ErrRecognitionTimeout, timeout))
	}
	return r.failed(model.ReasonBackend, fmt.Errorf("%w: %v", ErrRecognitionFailed, ctx.Err()))
}

func (r *Recognizer) attempt(ctx context.Context, cands []Candidate, language string) (model.RecognitionResult, error) {
	name := r.backend.Name()
	var (
		heardNothing bool
		lastErr      error
	)

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		text, conf, err := r.backend.Recognize(ctx, RecognizeRequest{Candidate: c, Language: language})
		switch {
		case errors.Is(err, ErrUnsupportedEncoding):
			continue
		case err != nil:
			r.log.Debug().Err(err).Str("encoding", string(c.Encoding)).Int("rate", c.SampleRate).Msg("candidate rejected")
			lastErr = err
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			heardNothing = true
			continue
		}
		return model.RecognitionResult{
			Text:       text,
			Status:     model.StatusRecognized,
			Confidence: conf,
			Encoding:   string(c.Encoding),
			Backend:    name,
		}, nil
	}

	if heardNothing {
		return model.NoMatch(name), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate encoding accepted")
	}
	return model.RecognitionResult{Status: model.StatusError, Reason: model.ReasonBackend, Backend: name},
		fmt.Errorf("%w: %v", ErrRecognitionFailed, lastErr)
}

func (r *Recognizer) failed(reason model.FailureReason, err error) (model.RecognitionResult, error) {
	r.metrics.RecordRecognition(r.backend.Name(), string(model.StatusError))
	return model.RecognitionResult{Status: model.StatusError, Reason: reason, Backend: r.backend.Name()}, err
}

// ReasonFor maps an error to the failure reason reported in results.
func ReasonFor(err error) model.FailureReason {
	if errors.Is(err, ErrRecognitionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return model.ReasonTimeout
	}
	return model.ReasonBackend
}

// OpenHandles 当前未释放的流式句柄数量。
func (r *Recognizer) OpenHandles() int {
	return int(r.open.Load())
}

// Open returns a per-call handle. Every handle must be released exactly once.
func (r *Recognizer) Open(id string) *StreamHandle {
	r.open.Add(1)
	return &StreamHandle{id: id, rec: r}
}

// StreamHandle 电话场景下每通呼叫持有的识别句柄。
type StreamHandle struct {
	id  string
	rec *Recognizer

	mu       sync.Mutex
	released bool
}

// ID 返回句柄所属呼叫。
func (h *StreamHandle) ID() string { return h.id }

// RecognizePCM transcribes one utterance of mono PCM16 at rate.
func (h *StreamHandle) RecognizePCM(ctx context.Context, pcm []int16, rate int, language string, timeout time.Duration) (model.RecognitionResult, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return model.RecognitionResult{Status: model.StatusError, Reason: model.ReasonBackend, Backend: h.rec.Backend()}, ErrHandleReleased
	}

	if rate != model.RecognizerTarget.SampleRate {
		pcm = audio.Resample(pcm, rate, model.RecognizerTarget.SampleRate)
	}
	wav := model.AudioArtifact{
		Data:       audio.EncodeWAV(pcm, model.RecognizerTarget.SampleRate),
		MimeType:   model.ContainerWAV.MimeType(),
		Container:  model.ContainerWAV,
		SampleRate: model.RecognizerTarget.SampleRate,
		Channels:   1,
		BitDepth:   16,
	}
	return h.rec.Recognize(ctx, wav, language, timeout)
}

// Release 释放句柄；重复调用无副作用。
func (h *StreamHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.rec.open.Add(-1)
}
