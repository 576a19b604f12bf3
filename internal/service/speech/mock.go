package speech

import (
	"context"
	"math"
	"sync"

	model "github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
)

// MockRecognizer 未配置真实后端时使用的脚本化识别器。
// It replays Transcripts in order and then reports no speech.
type MockRecognizer struct {
	mu          sync.Mutex
	Transcripts []string
	Err         error
}

func (m *MockRecognizer) Name() string { return "mock" }

func (m *MockRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", 0, m.Err
	}
	if len(m.Transcripts) == 0 {
		return "", 0, nil
	}
	text := m.Transcripts[0]
	m.Transcripts = m.Transcripts[1:]
	return text, 1, nil
}

// MockSynthesizer 生成与文本长度相关的短提示音 WAV。
type MockSynthesizer struct{}

func (MockSynthesizer) Name() string       { return "mock" }
func (MockSynthesizer) SupportsSSML() bool { return false }

func (MockSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (model.AudioArtifact, error) {
	if err := ctx.Err(); err != nil {
		return model.AudioArtifact{}, err
	}
	const rate = 16000
	n := min(rate/10+len(req.Text)*rate/50, rate*5)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(3000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	return model.AudioArtifact{
		Data:       audio.EncodeWAV(pcm, rate),
		MimeType:   model.ContainerWAV.MimeType(),
		Container:  model.ContainerWAV,
		SampleRate: rate,
		Channels:   1,
		BitDepth:   16,
	}, nil
}
