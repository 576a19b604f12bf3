package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatMulaw      = 7
	wavFormatExtensible = 0xFFFE
)

// WAVInfo 描述解析后的 WAV 头与数据块。
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	subFormat     uint32
	Data          []byte
}

var errNotWAV = errors.New("not a RIFF/WAVE buffer")

// ParseWAV walks RIFF chunks and returns the fmt description plus the first data chunk.
func ParseWAV(w []byte) (WAVInfo, error) {
	var info WAVInfo
	if len(w) < 12 || string(w[0:4]) != "RIFF" || string(w[8:12]) != "WAVE" {
		return info, errNotWAV
	}

	pos := 12
	var gotFmt, gotData bool
	for pos+8 <= len(w) {
		chunkID := string(w[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(w[pos+4 : pos+8]))
		pos += 8
		if chunkSize < 0 || pos+chunkSize > len(w) {
			// streamed WAVs often carry a bogus data size; take what is there
			if chunkID == "data" && !gotData {
				info.Data = append([]byte(nil), w[pos:]...)
				gotData = true
				break
			}
			return info, fmt.Errorf("truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return info, fmt.Errorf("fmt chunk too small: %d", chunkSize)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(w[pos : pos+2])
			info.Channels = int(binary.LittleEndian.Uint16(w[pos+2 : pos+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(w[pos+4 : pos+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(w[pos+14 : pos+16]))
			if info.AudioFormat == wavFormatExtensible && chunkSize >= 40 {
				info.subFormat = binary.LittleEndian.Uint32(w[pos+24 : pos+28])
			}
			gotFmt = true
		case "data":
			if !gotData {
				info.Data = append([]byte(nil), w[pos:pos+chunkSize]...)
				gotData = true
			}
		}

		pos += chunkSize
		if pos%2 == 1 {
			pos++
		}
	}

	if !gotFmt {
		return info, errors.New("wav: missing fmt chunk")
	}
	if !gotData {
		return info, errors.New("wav: missing data chunk")
	}
	if info.Channels == 0 || info.SampleRate == 0 || info.BitsPerSample == 0 {
		return info, errors.New("wav: invalid header values")
	}
	return info, nil
}

// IsPCM16Mono reports whether the buffer is already in recognizer layout at rate.
func (w WAVInfo) IsPCM16Mono(rate int) bool {
	return w.isPCM() && w.BitsPerSample == 16 && w.Channels == 1 && w.SampleRate == rate
}

func (w WAVInfo) isPCM() bool {
	return w.AudioFormat == wavFormatPCM || (w.AudioFormat == wavFormatExtensible && w.subFormat == wavFormatPCM)
}

func (w WAVInfo) isFloat() bool {
	return w.AudioFormat == wavFormatFloat || (w.AudioFormat == wavFormatExtensible && w.subFormat == wavFormatFloat)
}

// Samples decodes the data chunk into interleaved PCM16 samples.
func (w WAVInfo) Samples() ([]int16, error) {
	data := w.Data
	switch {
	case w.isPCM() && w.BitsPerSample == 8:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = int16(int(b)-128) << 8
		}
		return out, nil

	case w.isPCM() && w.BitsPerSample == 16:
		return BytesToPCM16(data[:len(data)-len(data)%2]), nil

	case w.isPCM() && w.BitsPerSample == 24:
		n := len(data) / 3
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			val := int32(data[i*3]) | int32(data[i*3+1])<<8 | int32(data[i*3+2])<<16
			if val&0x800000 != 0 {
				val |= ^0xFFFFFF
			}
			out[i] = int16(val >> 8)
		}
		return out, nil

	case w.isPCM() && w.BitsPerSample == 32:
		n := len(data) / 4
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			out[i] = int16(int32(binary.LittleEndian.Uint32(data[i*4:])) >> 16)
		}
		return out, nil

	case w.isFloat() && w.BitsPerSample == 32:
		n := len(data) / 4
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			if f > 1 {
				f = 1
			} else if f < -1 {
				f = -1
			}
			out[i] = int16(f * 32767)
		}
		return out, nil

	case w.AudioFormat == wavFormatMulaw && w.BitsPerSample == 8:
		return DecodeMulaw(data), nil
	}

	return nil, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", w.AudioFormat, w.BitsPerSample)
}

// EncodeWAV writes PCM16 mono samples as a canonical 44-byte header WAV.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	dataSize := len(pcm) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}

// EncodeMulawWAV wraps μ-law bytes in a WAVE_FORMAT_MULAW header.
func EncodeMulawWAV(ulaw []byte, sampleRate int) []byte {
	buf := make([]byte, 44+len(ulaw))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(ulaw)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatMulaw)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate))
	binary.LittleEndian.PutUint16(buf[32:34], 1)
	binary.LittleEndian.PutUint16(buf[34:36], 8)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(ulaw)))
	copy(buf[44:], ulaw)
	return buf
}
