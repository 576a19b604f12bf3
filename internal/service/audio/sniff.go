package audio

import (
	"bytes"

	"github.com/voicefleet/agentdesk/backend/internal/model/speech"
)

var (
	magicRIFF = []byte("RIFF")
	magicWAVE = []byte("WAVE")
	magicID3  = []byte("ID3")
	magicOgg  = []byte("OggS")
	magicEBML = []byte{0x1A, 0x45, 0xDF, 0xA3}
	magicFLAC = []byte("fLaC")
	magicFtyp = []byte("ftyp")
)

// DetectContainer sniffs the container from leading magic bytes.
// Headerless PCM and μ-law cannot be detected and report ContainerUnknown.
func DetectContainer(data []byte) speech.Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], magicRIFF) && bytes.Equal(data[8:12], magicWAVE):
		return speech.ContainerWAV
	case bytes.HasPrefix(data, magicID3):
		return speech.ContainerMP3
	case bytes.HasPrefix(data, magicOgg):
		return speech.ContainerOgg
	case bytes.HasPrefix(data, magicEBML):
		return speech.ContainerWebM
	case bytes.HasPrefix(data, magicFLAC):
		return speech.ContainerFLAC
	case len(data) >= 8 && bytes.Equal(data[4:8], magicFtyp):
		return speech.ContainerMP4
	case looksLikeMPEGFrame(data):
		return speech.ContainerMP3
	default:
		return speech.ContainerUnknown
	}
}

// looksLikeMPEGFrame checks for an MPEG audio frame sync with a valid layer and bitrate.
func looksLikeMPEGFrame(b []byte) bool {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return false
	}
	layer := (b[1] >> 1) & 0x03
	bitrate := b[2] >> 4
	return layer != 0 && bitrate != 0x0F
}

// ContainerFromMime maps a caller supplied mime type or file extension to a container.
func ContainerFromMime(mime string) speech.Container {
	m := bytes.ToLower([]byte(mime))
	switch {
	case bytes.Contains(m, []byte("wav")):
		return speech.ContainerWAV
	case bytes.Contains(m, []byte("mpeg")), bytes.Contains(m, []byte("mp3")):
		return speech.ContainerMP3
	case bytes.Contains(m, []byte("webm")):
		return speech.ContainerWebM
	case bytes.Contains(m, []byte("ogg")), bytes.Contains(m, []byte("opus")):
		return speech.ContainerOgg
	case bytes.Contains(m, []byte("flac")):
		return speech.ContainerFLAC
	case bytes.Contains(m, []byte("mp4")), bytes.Contains(m, []byte("m4a")), bytes.Contains(m, []byte("aac")):
		return speech.ContainerMP4
	case bytes.Contains(m, []byte("mulaw")), bytes.Contains(m, []byte("ulaw")), bytes.Contains(m, []byte("pcmu")):
		return speech.ContainerMulaw
	case bytes.Contains(m, []byte("l16")), bytes.Contains(m, []byte("pcm")):
		return speech.ContainerPCM
	default:
		return speech.ContainerUnknown
	}
}
