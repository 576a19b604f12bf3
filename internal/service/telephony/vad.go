package telephony

import (
	"time"

	"github.com/voicefleet/agentdesk/backend/internal/service/audio"
)

// ChunkerConfig 能量门限断句参数。
type ChunkerConfig struct {
	SampleRate   int
	Threshold    float64       // RMS above which a frame counts as speech
	OnsetFrames  int           // consecutive loud frames that start an utterance
	TailSilence  time.Duration // silence that closes an utterance
	MinSpeech    time.Duration // shorter utterances are discarded as noise
	MaxUtterance time.Duration // hard cap; the utterance is cut here
}

// DefaultChunkerConfig matches 20 ms G.711 frames at 8 kHz.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		SampleRate:   8000,
		Threshold:    600,
		OnsetFrames:  3,
		TailSilence:  200 * time.Millisecond,
		MinSpeech:    200 * time.Millisecond,
		MaxUtterance: 8 * time.Second,
	}
}

// Chunker accumulates frames into utterances using frame energy.
type Chunker struct {
	cfg ChunkerConfig

	onset    [][]int16
	speech   []int16
	inSpeech bool
	voiced   time.Duration
	silence  time.Duration
	total    time.Duration
}

// NewChunker 创建断句器。
func NewChunker(cfg ChunkerConfig) *Chunker {
	def := DefaultChunkerConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.OnsetFrames <= 0 {
		cfg.OnsetFrames = def.OnsetFrames
	}
	if cfg.TailSilence <= 0 {
		cfg.TailSilence = def.TailSilence
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	return &Chunker{cfg: cfg}
}

// Push feeds one frame of mono PCM16. started is true on the frame where
// speech onset is confirmed, which is the barge-in signal while the assistant
// talks. utterance is non-nil when a complete utterance has been cut.
func (c *Chunker) Push(pcm []int16) (utterance []int16, started bool) {
	if len(pcm) == 0 {
		return nil, false
	}
	dur := time.Duration(len(pcm)) * time.Second / time.Duration(c.cfg.SampleRate)
	loud := audio.RMS(pcm) >= c.cfg.Threshold

	if !c.inSpeech {
		if !loud {
			c.onset = c.onset[:0]
			return nil, false
		}
		c.onset = append(c.onset, pcm)
		if len(c.onset) < c.cfg.OnsetFrames {
			return nil, false
		}
		c.inSpeech = true
		started = true
		for _, f := range c.onset {
			c.speech = append(c.speech, f...)
			c.voiced += time.Duration(len(f)) * time.Second / time.Duration(c.cfg.SampleRate)
		}
		c.total = c.voiced
		c.onset = c.onset[:0]
		return c.cutIfFull(), started
	}

	c.speech = append(c.speech, pcm...)
	c.total += dur
	if loud {
		c.voiced += dur
		c.silence = 0
	} else {
		c.silence += dur
	}

	if c.silence >= c.cfg.TailSilence {
		if c.voiced < c.cfg.MinSpeech {
			c.Reset()
			return nil, false
		}
		return c.flush(), false
	}
	return c.cutIfFull(), false
}

func (c *Chunker) cutIfFull() []int16 {
	if c.total >= c.cfg.MaxUtterance {
		return c.flush()
	}
	return nil
}

func (c *Chunker) flush() []int16 {
	out := c.speech
	c.speech = nil
	c.Reset()
	return out
}

// InSpeech reports whether an utterance is being collected.
func (c *Chunker) InSpeech() bool {
	return c.inSpeech
}

// Reset discards any partial utterance.
func (c *Chunker) Reset() {
	c.onset = c.onset[:0]
	c.speech = c.speech[:0]
	c.inSpeech = false
	c.voiced = 0
	c.silence = 0
	c.total = 0
}
