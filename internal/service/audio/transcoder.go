// Package audio sniffs, decodes and re-encodes audio for the speech pipeline.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/voicefleet/agentdesk/backend/internal/model/speech"
	"github.com/voicefleet/agentdesk/backend/internal/observability/logging"
	"github.com/voicefleet/agentdesk/backend/internal/observability/metrics"
)

// ErrConversionFailed is matched by every *ConversionError.
var ErrConversionFailed = errors.New("audio conversion failed")

// ConversionError carries diagnostics for a failed transcode.
type ConversionError struct {
	Size     int
	Detected speech.Container
	Declared string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("audio conversion failed (size=%d detected=%s declared=%q): %v", e.Size, e.Detected, e.Declared, e.Err)
}

func (e *ConversionError) Unwrap() []error {
	return []error{ErrConversionFailed, e.Err}
}

// Options 转码器配置。
type Options struct {
	FFmpegPath string
	TempDir    string
	Metrics    *metrics.Metrics
}

// Transcoder converts uploaded containers into the layout a consumer needs.
type Transcoder struct {
	ffmpegPath string
	tempDir    string
	run        commandRunner
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewTranscoder 创建转码器。
func NewTranscoder(opts Options) *Transcoder {
	path := opts.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Transcoder{
		ffmpegPath: path,
		tempDir:    tempDir,
		run:        execRunner,
		metrics:    m,
		log:        logging.WithComponent("transcoder"),
	}
}

// Transcode detects the source container from magic bytes and converts it to target.
// The call is synchronous; any subprocess and temp files are finished before it returns.
func (t *Transcoder) Transcode(ctx context.Context, in speech.AudioArtifact, target speech.Target) (speech.AudioArtifact, error) {
	pcm, rate, detected, err := t.DecodePCM(ctx, in, target.SampleRate)
	if err != nil {
		return speech.AudioArtifact{}, err
	}

	out, err := Encode(pcm, rate, target)
	if err != nil {
		return speech.AudioArtifact{}, t.fail(in, detected, err)
	}
	return out, nil
}

// DecodePCM returns mono PCM16 samples and their rate. preferredRate guides ffmpeg output.
func (t *Transcoder) DecodePCM(ctx context.Context, in speech.AudioArtifact, preferredRate int) ([]int16, int, speech.Container, error) {
	detected := DetectContainer(in.Data)
	declared := in.Container
	if declared == "" || declared == speech.ContainerUnknown {
		declared = ContainerFromMime(in.MimeType)
	}

	if len(in.Data) == 0 {
		return nil, 0, detected, t.fail(in, detected, errors.New("empty audio buffer"))
	}

	if detected != speech.ContainerUnknown && declared != speech.ContainerUnknown && detected != declared {
		t.log.Debug().
			Str("declared", string(declared)).
			Str("detected", string(detected)).
			Msg("declared container disagrees with sniffed bytes, using sniffed")
	}

	if preferredRate <= 0 {
		preferredRate = speech.RecognizerTarget.SampleRate
	}

	switch detected {
	case speech.ContainerWAV:
		info, err := ParseWAV(in.Data)
		if err != nil {
			return nil, 0, detected, t.fail(in, detected, err)
		}
		samples, err := info.Samples()
		if err != nil {
			return nil, 0, detected, t.fail(in, detected, err)
		}
		return ToMono(samples, info.Channels), info.SampleRate, detected, nil

	case speech.ContainerMP3:
		pcm, rate, err := DecodeMP3(in.Data)
		if err != nil {
			return nil, 0, detected, t.fail(in, detected, err)
		}
		return pcm, rate, detected, nil

	case speech.ContainerOgg, speech.ContainerWebM, speech.ContainerFLAC, speech.ContainerMP4:
		info, err := t.ffmpegDecode(ctx, in.Data, detected, preferredRate)
		if err != nil {
			return nil, 0, detected, t.fail(in, detected, err)
		}
		samples, err := info.Samples()
		if err != nil {
			return nil, 0, detected, t.fail(in, detected, err)
		}
		return ToMono(samples, info.Channels), info.SampleRate, detected, nil
	}

	// headerless formats carry no magic, so the declared layout is all there is
	switch declared {
	case speech.ContainerPCM:
		if in.SampleRate <= 0 {
			return nil, 0, detected, t.fail(in, detected, errors.New("raw pcm without sample rate"))
		}
		return ToMono(BytesToPCM16(in.Data), max(in.Channels, 1)), in.SampleRate, speech.ContainerPCM, nil
	case speech.ContainerMulaw:
		rate := in.SampleRate
		if rate <= 0 {
			rate = speech.TelephonyTarget.SampleRate
		}
		return DecodeMulaw(in.Data), rate, speech.ContainerMulaw, nil
	}

	return nil, 0, detected, t.fail(in, detected, errors.New("unrecognised container"))
}

func (t *Transcoder) fail(in speech.AudioArtifact, detected speech.Container, err error) error {
	t.metrics.RecordConversionFailure(string(detected))
	cerr := &ConversionError{
		Size:     len(in.Data),
		Detected: detected,
		Declared: in.MimeType,
		Err:      err,
	}
	t.log.Warn().Err(err).
		Int("size", cerr.Size).
		Str("detected", string(detected)).
		Str("declared", in.MimeType).
		Msg("transcode failed")
	return cerr
}

// Encode resamples mono PCM16 and packs it into the target container.
func Encode(pcm []int16, rate int, target speech.Target) (speech.AudioArtifact, error) {
	outRate := target.SampleRate
	if outRate <= 0 {
		outRate = rate
	}
	resampled := Resample(pcm, rate, outRate)
	if len(resampled) == 0 {
		return speech.AudioArtifact{}, errors.New("no samples after resampling")
	}

	art := speech.AudioArtifact{
		Container:  target.Container,
		MimeType:   target.Container.MimeType(),
		SampleRate: outRate,
		Channels:   1,
	}
	switch target.Container {
	case speech.ContainerWAV:
		art.Data = EncodeWAV(resampled, outRate)
		art.BitDepth = 16
	case speech.ContainerPCM:
		art.Data = PCM16ToBytes(resampled)
		art.BitDepth = 16
	case speech.ContainerMulaw:
		art.Data = EncodeMulaw(resampled)
		art.BitDepth = 8
	default:
		return speech.AudioArtifact{}, fmt.Errorf("unsupported target container %q", target.Container)
	}
	return art, nil
}
