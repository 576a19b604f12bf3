package speech

// Container 音频容器格式。
type Container string

const (
	ContainerUnknown Container = "unknown"
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerOgg     Container = "ogg"
	ContainerWebM    Container = "webm"
	ContainerFLAC    Container = "flac"
	ContainerMP4     Container = "mp4"
	ContainerPCM     Container = "pcm"  // headerless little-endian PCM16
	ContainerMulaw   Container = "ulaw" // headerless G.711 μ-law
)

// MimeType returns the canonical mime type for c.
func (c Container) MimeType() string {
	switch c {
	case ContainerWAV:
		return "audio/wav"
	case ContainerMP3:
		return "audio/mpeg"
	case ContainerOgg:
		return "audio/ogg;codecs=opus"
	case ContainerWebM:
		return "audio/webm;codecs=opus"
	case ContainerFLAC:
		return "audio/flac"
	case ContainerMP4:
		return "audio/mp4"
	case ContainerPCM:
		return "audio/L16"
	case ContainerMulaw:
		return "audio/x-mulaw"
	default:
		return "application/octet-stream"
	}
}

// AudioArtifact 在各组件之间传递的音频数据。
// SampleRate, Channels and BitDepth are only meaningful for decoded PCM.
type AudioArtifact struct {
	Data       []byte    `json:"-"`
	MimeType   string    `json:"mimeType"`
	Container  Container `json:"container"`
	SampleRate int       `json:"sampleRate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	BitDepth   int       `json:"bitDepth,omitempty"`
}

// Empty reports whether the artifact carries no audio.
func (a AudioArtifact) Empty() bool {
	return len(a.Data) == 0
}

// Target 描述转码目标格式。
type Target struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Container  Container
}

// RecognizerTarget is the PCM16 mono WAV format recognizers consume.
var RecognizerTarget = Target{SampleRate: 16000, Channels: 1, BitDepth: 16, Container: ContainerWAV}

// TelephonyTarget is 8 kHz G.711 μ-law as carried on phone media streams.
var TelephonyTarget = Target{SampleRate: 8000, Channels: 1, BitDepth: 8, Container: ContainerMulaw}
